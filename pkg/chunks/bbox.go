package chunks

import "github.com/docquarry/quarry/pkg/parsers"

// BBoxFromPolygon collapses a parser polygon (typically 8 points) to an
// axis-aligned rectangle by taking coordinate extrema.
func BBoxFromPolygon(page int, polygon []parsers.Point) *BBox {
	if len(polygon) == 0 {
		return nil
	}
	box := &BBox{
		Page: page,
		X0:   polygon[0].X, Y0: polygon[0].Y,
		X1: polygon[0].X, Y1: polygon[0].Y,
	}
	for _, pt := range polygon[1:] {
		if pt.X < box.X0 {
			box.X0 = pt.X
		}
		if pt.Y < box.Y0 {
			box.Y0 = pt.Y
		}
		if pt.X > box.X1 {
			box.X1 = pt.X
		}
		if pt.Y > box.Y1 {
			box.Y1 = pt.Y
		}
	}
	return box
}

// unionBBox merges two rectangles on the same page. Different pages keep the
// first box (narrative bboxes cover the first page only).
func unionBBox(a, b *BBox) *BBox {
	if a == nil {
		return b
	}
	if b == nil || b.Page != a.Page {
		return a
	}
	out := *a
	if b.X0 < out.X0 {
		out.X0 = b.X0
	}
	if b.Y0 < out.Y0 {
		out.Y0 = b.Y0
	}
	if b.X1 > out.X1 {
		out.X1 = b.X1
	}
	if b.Y1 > out.Y1 {
		out.Y1 = b.Y1
	}
	return &out
}
