package spatialmath

import (
	"github.com/golang/geo/r3"
)

// degenerateAreaEpsilon is the area below which a triangle is treated as collapsed.
const degenerateAreaEpsilon = 1e-12

// Triangle is three points in space with a cached plane normal. The normal follows the right hand
// rule over p0, p1, p2 and is the zero vector for a collapsed triangle.
type Triangle struct {
	p0 r3.Vector
	p1 r3.Vector
	p2 r3.Vector

	normal r3.Vector
}

// NewTriangle creates a triangle from its three corners.
func NewTriangle(p0, p1, p2 r3.Vector) *Triangle {
	return &Triangle{
		p0:     p0,
		p1:     p1,
		p2:     p2,
		normal: PlaneNormal(p0, p1, p2),
	}
}

// Points returns the corners in winding order.
func (t *Triangle) Points() []r3.Vector {
	return []r3.Vector{t.p0, t.p1, t.p2}
}

// Normal returns the unit plane normal.
func (t *Triangle) Normal() r3.Vector {
	return t.normal
}

// Area returns the surface area.
func (t *Triangle) Area() float64 {
	return t.p1.Sub(t.p0).Cross(t.p2.Sub(t.p0)).Norm() / 2
}

// Centroid returns the mean of the corners.
func (t *Triangle) Centroid() r3.Vector {
	return t.p0.Add(t.p1).Add(t.p2).Mul(1. / 3)
}

// IsDegenerate reports whether the corners are collinear or coincident.
func (t *Triangle) IsDegenerate() bool {
	return t.Area() < degenerateAreaEpsilon
}

// ClosestPointToPoint returns the point on the triangle nearest to point.
func (t *Triangle) ClosestPointToPoint(point r3.Vector) r3.Vector {
	if closest, inside := t.closestInsidePoint(point); inside {
		return closest
	}

	// Outside the face the nearest point lies on an edge.
	closestPt := ClosestPointSegmentPoint(t.p0, t.p1, point)
	bestDist := point.Sub(closestPt).Norm2()
	for _, edge := range [][2]r3.Vector{{t.p1, t.p2}, {t.p2, t.p0}} {
		newPt := ClosestPointSegmentPoint(edge[0], edge[1], point)
		if newDist := point.Sub(newPt).Norm2(); newDist < bestDist {
			closestPt, bestDist = newPt, newDist
		}
	}
	return closestPt
}

// closestInsidePoint projects point onto the triangle plane and reports whether the projection
// falls inside the triangle.
func (t *Triangle) closestInsidePoint(point r3.Vector) (r3.Vector, bool) {
	eps := 1e-9

	// Q = p0 + u*e0 + v*e1 is inside when u, v >= 0 and u+v <= 1.
	e0 := t.p1.Sub(t.p0)
	e1 := t.p2.Sub(t.p0)
	a := e0.Norm2()
	b := e0.Dot(e1)
	c := e1.Norm2()
	d := point.Sub(t.p0)
	det := a*c - b*b
	if det < eps*eps {
		return point, false
	}
	u := (c*e0.Dot(d) - b*e1.Dot(d)) / det
	v := (-b*e0.Dot(d) + a*e1.Dot(d)) / det
	inside := u >= -eps && v >= -eps && u+v <= 1+eps
	return t.p0.Add(e0.Mul(u)).Add(e1.Mul(v)), inside
}

// PlaneNormal returns the unit normal of the plane through three points.
func PlaneNormal(p0, p1, p2 r3.Vector) r3.Vector {
	n := p1.Sub(p0).Cross(p2.Sub(p0))
	if norm := n.Norm(); norm > 0 {
		return n.Mul(1 / norm)
	}
	return r3.Vector{}
}

// ClosestPointSegmentPoint returns the point on segment [segStart, segEnd] nearest to pt.
func ClosestPointSegmentPoint(segStart, segEnd, pt r3.Vector) r3.Vector {
	seg := segEnd.Sub(segStart)
	lenSq := seg.Norm2()
	if lenSq == 0 {
		return segStart
	}
	t := pt.Sub(segStart).Dot(seg) / lenSq
	switch {
	case t <= 0:
		return segStart
	case t >= 1:
		return segEnd
	default:
		return segStart.Add(seg.Mul(t))
	}
}
