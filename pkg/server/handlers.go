package server

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/docquarry/quarry/pkg/chat"
	"github.com/docquarry/quarry/pkg/extraction"
	"github.com/docquarry/quarry/pkg/store"
	"github.com/docquarry/quarry/pkg/templatefill"
	"github.com/docquarry/quarry/pkg/workflow"
)

func (s *Server) handleIngest(w http.ResponseWriter, r *http.Request) {
	userID, orgID := identity(r)
	path, filename, err := s.saveUpload(r, "file")
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_upload", err.Error())
		return
	}

	res, err := s.deps.Extractions.IngestDocument(r.Context(), extraction.IngestRequest{
		UserID:   userID,
		OrgID:    orgID,
		Filename: filename,
		FilePath: path,
		Tier:     r.FormValue("tier"),
		PDFType:  r.FormValue("pdf_type"),
	})
	if err != nil {
		writeServiceError(w, err)
		return
	}
	status := http.StatusAccepted
	if res.FromHistory {
		status = http.StatusOK
	}
	writeJSON(w, status, res)
}

func (s *Server) handleGetDocument(w http.ResponseWriter, r *http.Request) {
	doc, err := s.deps.Store.Document(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, doc)
}

// handleDeleteDocument removes the document, its chunks (cascade), its
// dense vectors, and its parse artifact. Only the owner's explicit request
// reaches here.
func (s *Server) handleDeleteDocument(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	doc, err := s.deps.Store.Document(r.Context(), id)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	if err := s.deps.Vectors.DeleteByDocument(r.Context(), id); err != nil {
		writeServiceError(w, err)
		return
	}
	if err := s.deps.Artifacts.Remove(r.Context(), doc.ParseArtifact); err != nil {
		writeServiceError(w, err)
		return
	}
	if err := s.deps.Store.DeleteDocument(r.Context(), id); err != nil {
		writeServiceError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleCreateCollection(w http.ResponseWriter, r *http.Request) {
	userID, orgID := identity(r)
	var req struct {
		Name string `json:"name"`
	}
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_body", err.Error())
		return
	}
	if req.Name == "" {
		writeError(w, http.StatusBadRequest, "invalid_body", "collection name is required")
		return
	}
	c := &store.Collection{ID: uuid.NewString(), UserID: userID, OrgID: orgID, Name: req.Name}
	if err := s.deps.Store.CreateCollection(r.Context(), c); err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, c)
}

func (s *Server) handleAddToCollection(w http.ResponseWriter, r *http.Request) {
	err := s.deps.Store.AddToCollection(r.Context(), chi.URLParam(r, "id"), chi.URLParam(r, "docID"))
	if err != nil {
		writeServiceError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleSubmitExtraction(w http.ResponseWriter, r *http.Request) {
	userID, orgID := identity(r)
	path, filename, err := s.saveUpload(r, "file")
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_upload", err.Error())
		return
	}

	res, err := s.deps.Extractions.SubmitExtraction(r.Context(), extraction.ExtractRequest{
		UserID:   userID,
		OrgID:    orgID,
		Filename: filename,
		FilePath: path,
		Context:  r.FormValue("context"),
		Tier:     r.FormValue("tier"),
		PDFType:  r.FormValue("pdf_type"),
	})
	if err != nil {
		writeServiceError(w, err)
		return
	}
	status := http.StatusAccepted
	if res.FromHistory || res.FromCache {
		status = http.StatusOK
	}
	writeJSON(w, status, res)
}

func (s *Server) handleGetExtraction(w http.ResponseWriter, r *http.Request) {
	rec, err := s.deps.Store.Extraction(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

func (s *Server) handleRetryExtraction(w http.ResponseWriter, r *http.Request) {
	res, err := s.deps.Extractions.RetryExtraction(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, res)
}

func (s *Server) handleListTemplates(w http.ResponseWriter, r *http.Request) {
	templates, err := s.deps.Store.ActiveTemplates(r.Context())
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"templates": templates})
}

func (s *Server) handleSubmitRun(w http.ResponseWriter, r *http.Request) {
	userID, orgID := identity(r)
	var req struct {
		TemplateID   string                 `json:"template_id"`
		DocumentIDs  []string               `json:"document_ids"`
		Variables    map[string]interface{} `json:"variables"`
		CustomPrompt string                 `json:"custom_prompt"`
	}
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_body", err.Error())
		return
	}

	res, err := s.deps.Workflows.Submit(r.Context(), workflow.SubmitRequest{
		UserID:       userID,
		OrgID:        orgID,
		TemplateID:   req.TemplateID,
		DocumentIDs:  req.DocumentIDs,
		Variables:    req.Variables,
		CustomPrompt: req.CustomPrompt,
	})
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, res)
}

func (s *Server) handleGetRun(w http.ResponseWriter, r *http.Request) {
	run, err := s.deps.Store.Run(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, run)
}

func (s *Server) handleRetryRun(w http.ResponseWriter, r *http.Request) {
	res, err := s.deps.Workflows.Retry(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, res)
}

func (s *Server) handleCreateSession(w http.ResponseWriter, r *http.Request) {
	userID, orgID := identity(r)
	var req struct {
		CollectionID string   `json:"collection_id"`
		DocumentIDs  []string `json:"document_ids"`
	}
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_body", err.Error())
		return
	}

	session := &store.ChatSession{
		ID:           uuid.NewString(),
		UserID:       userID,
		OrgID:        orgID,
		CollectionID: req.CollectionID,
		DocumentIDs:  req.DocumentIDs,
	}
	if err := s.deps.Store.CreateSession(r.Context(), session); err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, session)
}

func (s *Server) handleListMessages(w http.ResponseWriter, r *http.Request) {
	messages, err := s.deps.Store.Messages(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"messages": messages})
}

// handleChat runs one turn and streams its events back as SSE.
func (s *Server) handleChat(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Message             string   `json:"message"`
		SelectedIDs         []string `json:"selected_document_ids"`
		NumChunks           int      `json:"num_chunks"`
		SimilarityThreshold float64  `json:"similarity_threshold"`
	}
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_body", err.Error())
		return
	}
	if strings.TrimSpace(req.Message) == "" {
		writeError(w, http.StatusBadRequest, "empty_message", "User message cannot be empty")
		return
	}

	events, err := s.deps.Chat.Ask(r.Context(), chi.URLParam(r, "id"), req.Message, chat.TurnOptions{
		SelectedDocIDs:      req.SelectedIDs,
		NumChunks:           req.NumChunks,
		SimilarityThreshold: req.SimilarityThreshold,
	})
	if err != nil {
		writeServiceError(w, err)
		return
	}
	s.streams.ServeChat(w, r, events)
}

func (s *Server) handleSubmitFill(w http.ResponseWriter, r *http.Request) {
	userID, orgID := identity(r)
	path, _, err := s.saveUpload(r, "template")
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_upload", err.Error())
		return
	}
	var docIDs []string
	for _, id := range strings.Split(r.FormValue("document_ids"), ",") {
		if id = strings.TrimSpace(id); id != "" {
			docIDs = append(docIDs, id)
		}
	}

	res, err := s.deps.Fills.Submit(r.Context(), templatefill.SubmitRequest{
		UserID:       userID,
		OrgID:        orgID,
		TemplatePath: path,
		DocumentIDs:  docIDs,
	})
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, res)
}

func (s *Server) handleGetFill(w http.ResponseWriter, r *http.Request) {
	run, err := s.deps.Store.FillRun(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, run)
}

func (s *Server) handleConfirmFill(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Mappings []templatefill.Mapping `json:"mappings"`
	}
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_body", err.Error())
		return
	}
	res, err := s.deps.Fills.Confirm(r.Context(), chi.URLParam(r, "id"), req.Mappings)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, res)
}

func (s *Server) handleGetJob(w http.ResponseWriter, r *http.Request) {
	job, err := s.deps.Store.JobState(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, job)
}

func (s *Server) handleJobEvents(w http.ResponseWriter, r *http.Request) {
	if err := s.streams.ServeJob(w, r, chi.URLParam(r, "id")); err != nil {
		writeServiceError(w, err)
	}
}

// saveUpload writes the named multipart file into the upload dir and
// returns its path and original filename.
func (s *Server) saveUpload(r *http.Request, field string) (path, filename string, err error) {
	if err := r.ParseMultipartForm(s.cfg.MaxUploadBytes); err != nil {
		return "", "", fmt.Errorf("failed to parse upload: %w", err)
	}
	file, header, err := r.FormFile(field)
	if err != nil {
		return "", "", fmt.Errorf("missing %q file: %w", field, err)
	}
	defer file.Close()

	filename = filepath.Base(header.Filename)
	path = filepath.Join(s.deps.UploadDir, uuid.NewString()+"_"+filename)
	out, err := os.Create(path)
	if err != nil {
		return "", "", fmt.Errorf("failed to store upload: %w", err)
	}
	defer out.Close()
	if _, err := io.Copy(out, io.LimitReader(file, s.cfg.MaxUploadBytes)); err != nil {
		return "", "", fmt.Errorf("failed to store upload: %w", err)
	}
	return path, filename, nil
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// writeError emits the structured error body: a stable error code plus a
// human-readable message.
func writeError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, map[string]string{"error": code, "message": message})
}

func decodeJSON(r *http.Request, v interface{}) error {
	defer r.Body.Close()
	dec := json.NewDecoder(io.LimitReader(r.Body, 1<<20))
	if err := dec.Decode(v); err != nil {
		return fmt.Errorf("invalid json body: %w", err)
	}
	return nil
}
