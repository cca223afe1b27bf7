package dvid

import (
	"fmt"
	"strconv"
	"strings"
)

// Point3d is an integer 3d point, usually a voxel coordinate or a size in voxels.
type Point3d [3]int32

// Add returns the addition of two points.
func (p Point3d) Add(p2 Point3d) Point3d {
	return Point3d{p[0] + p2[0], p[1] + p2[1], p[2] + p2[2]}
}

// Sub returns the subtraction of the passed point from the receiver.
func (p Point3d) Sub(p2 Point3d) Point3d {
	return Point3d{p[0] - p2[0], p[1] - p2[1], p[2] - p2[2]}
}

// Prod returns the product of the point elements.
func (p Point3d) Prod() int64 {
	return int64(p[0]) * int64(p[1]) * int64(p[2])
}

// Vector3d converts the point to floating point.
func (p Point3d) Vector3d() Vector3d {
	return Vector3d{float64(p[0]), float64(p[1]), float64(p[2])}
}

func (p Point3d) String() string {
	return fmt.Sprintf("(%d,%d,%d)", p[0], p[1], p[2])
}

// ChunkPoint3d describes a particular 3d chunk in chunk space.
type ChunkPoint3d [3]int32

func (c ChunkPoint3d) String() string {
	return fmt.Sprintf("(%d,%d,%d)", c[0], c[1], c[2])
}

// MinPoint returns the minimum voxel point within a chunk.
func (c ChunkPoint3d) MinPoint(size Point3d) Point3d {
	return Point3d{c[0] * size[0], c[1] * size[1], c[2] * size[2]}
}


// Vector3d is a 3d point in world space, in micrometers unless noted otherwise.
type Vector3d [3]float64

// StringToVector3d parses strings like "1.5,200,3" into a Vector3d.
func StringToVector3d(str, separator string) (Vector3d, error) {
	elems := strings.Split(str, separator)
	if len(elems) != 3 {
		return Vector3d{}, fmt.Errorf("can't convert %q into 3 elements", str)
	}
	var v Vector3d
	for i, elem := range elems {
		f, err := strconv.ParseFloat(strings.TrimSpace(elem), 64)
		if err != nil {
			return Vector3d{}, fmt.Errorf("bad component %q in %q: %v", elem, str, err)
		}
		v[i] = f
	}
	return v, nil
}

// DistanceSquared returns the squared euclidean distance.  Only the ordering of
// distances is ever needed.
func (v Vector3d) DistanceSquared(x Vector3d) float64 {
	dx := v[0] - x[0]
	dy := v[1] - x[1]
	dz := v[2] - x[2]
	return dx*dx + dy*dy + dz*dz
}

func (v Vector3d) Subtract(x Vector3d) Vector3d {
	return Vector3d{v[0] - x[0], v[1] - x[1], v[2] - x[2]}
}

func (v Vector3d) Add(x Vector3d) Vector3d {
	return Vector3d{v[0] + x[0], v[1] + x[1], v[2] + x[2]}
}

func (v Vector3d) MultScalar(x float64) Vector3d {
	return Vector3d{v[0] * x, v[1] * x, v[2] * x}
}

func (v Vector3d) DivideScalar(x float64) Vector3d {
	return Vector3d{v[0] / x, v[1] / x, v[2] / x}
}

// Mult returns the component-wise product.
func (v Vector3d) Mult(x Vector3d) Vector3d {
	return Vector3d{v[0] * x[0], v[1] * x[1], v[2] * x[2]}
}

func (v Vector3d) String() string {
	return fmt.Sprintf("(%g,%g,%g)", v[0], v[1], v[2])
}

// Box is an axis-aligned box in world space.  Max is inclusive.
type Box struct {
	Min, Max Vector3d
}

// Contains returns true if the point is inside the box, boundaries included.
// A point with a NaN component is never inside.
func (b Box) Contains(v Vector3d) bool {
	for dim := 0; dim < 3; dim++ {
		if !(v[dim] >= b.Min[dim] && v[dim] <= b.Max[dim]) {
			return false
		}
	}
	return true
}

// Size returns the extent of the box along each axis.
func (b Box) Size() Vector3d {
	return b.Max.Subtract(b.Min)
}

func (b Box) String() string {
	return fmt.Sprintf("%s-%s", b.Min, b.Max)
}
