package scene

import "math"

type Vec3 struct{ X, Y, Z float64 }

func V3(x, y, z float64) Vec3 { return Vec3{x, y, z} }

func Vec3FromArray(a [3]float64) Vec3 { return Vec3{a[0], a[1], a[2]} }

func (v Vec3) Array() [3]float64           { return [3]float64{v.X, v.Y, v.Z} }
func (v Vec3) Add(o Vec3) Vec3             { return Vec3{v.X + o.X, v.Y + o.Y, v.Z + o.Z} }
func (v Vec3) Sub(o Vec3) Vec3             { return Vec3{v.X - o.X, v.Y - o.Y, v.Z - o.Z} }
func (v Vec3) Scale(s float64) Vec3        { return Vec3{v.X * s, v.Y * s, v.Z * s} }
func (v Vec3) Mul(o Vec3) Vec3             { return Vec3{v.X * o.X, v.Y * o.Y, v.Z * o.Z} }
func (v Vec3) Len() float64                { return math.Sqrt(v.X*v.X + v.Y*v.Y + v.Z*v.Z) }
func (v Vec3) Lerp(o Vec3, t float64) Vec3 { return v.Add(o.Sub(v).Scale(t)) }

// Quat is a unit quaternion (x, y, z, w).
type Quat struct{ X, Y, Z, W float64 }

func Identity() Quat { return Quat{W: 1} }

func QuatFromArray(a [4]float64) Quat { return Quat{a[0], a[1], a[2], a[3]} }

func (q Quat) Array() [4]float64 { return [4]float64{q.X, q.Y, q.Z, q.W} }

func FromAxisAngle(axis Vec3, angle float64) Quat {
	l := axis.Len()
	if l == 0 {
		return Identity()
	}
	s := math.Sin(angle/2) / l
	return Quat{axis.X * s, axis.Y * s, axis.Z * s, math.Cos(angle / 2)}
}

func (q Quat) Mul(r Quat) Quat {
	return Quat{
		X: q.W*r.X + q.X*r.W + q.Y*r.Z - q.Z*r.Y,
		Y: q.W*r.Y - q.X*r.Z + q.Y*r.W + q.Z*r.X,
		Z: q.W*r.Z + q.X*r.Y - q.Y*r.X + q.Z*r.W,
		W: q.W*r.W - q.X*r.X - q.Y*r.Y - q.Z*r.Z,
	}
}

func (q Quat) Normalize() Quat {
	l := math.Sqrt(q.X*q.X + q.Y*q.Y + q.Z*q.Z + q.W*q.W)
	if l == 0 {
		return Identity()
	}
	return Quat{q.X / l, q.Y / l, q.Z / l, q.W / l}
}

// Rotate applies q to v.
func (q Quat) Rotate(v Vec3) Vec3 {
	p := q.Mul(Quat{v.X, v.Y, v.Z, 0}).Mul(Quat{-q.X, -q.Y, -q.Z, q.W})
	return Vec3{p.X, p.Y, p.Z}
}

// RotateY returns q rotated by angle radians about the world Y axis.
func (q Quat) RotateY(angle float64) Quat {
	return FromAxisAngle(Vec3{Y: 1}, angle).Mul(q).Normalize()
}

// Slerp interpolates along the shortest arc.
func (q Quat) Slerp(r Quat, t float64) Quat {
	cos := q.X*r.X + q.Y*r.Y + q.Z*r.Z + q.W*r.W
	if cos < 0 {
		r = Quat{-r.X, -r.Y, -r.Z, -r.W}
		cos = -cos
	}
	if cos > 0.9995 {
		return Quat{
			q.X + (r.X-q.X)*t,
			q.Y + (r.Y-q.Y)*t,
			q.Z + (r.Z-q.Z)*t,
			q.W + (r.W-q.W)*t,
		}.Normalize()
	}
	theta := math.Acos(cos)
	sin := math.Sin(theta)
	a := math.Sin((1-t)*theta) / sin
	b := math.Sin(t*theta) / sin
	return Quat{a*q.X + b*r.X, a*q.Y + b*r.Y, a*q.Z + b*r.Z, a*q.W + b*r.W}
}
