package scene

// LerpVec3 smooths discrete network samples into a continuous value. Each push
// replaces the target; the previous sample becomes the start point and the
// value reaches the target after rate seconds.
type LerpVec3 struct {
	value    *Vec3
	previous Vec3
	current  Vec3
	rate     float64
	elapsed  float64
}

func NewLerpVec3(value *Vec3, rate float64) *LerpVec3 {
	return &LerpVec3{value: value, previous: *value, current: *value, rate: rate, elapsed: rate}
}

func (l *LerpVec3) Push(v Vec3) {
	l.previous = l.current
	l.current = v
	l.elapsed = 0
}

func (l *LerpVec3) Update(delta float64) {
	l.elapsed += delta
	*l.value = l.previous.Lerp(l.current, alpha(l.elapsed, l.rate))
}

type LerpQuat struct {
	value    *Quat
	previous Quat
	current  Quat
	rate     float64
	elapsed  float64
}

func NewLerpQuat(value *Quat, rate float64) *LerpQuat {
	return &LerpQuat{value: value, previous: *value, current: *value, rate: rate, elapsed: rate}
}

func (l *LerpQuat) Push(q Quat) {
	l.previous = l.current
	l.current = q.Normalize()
	l.elapsed = 0
}

func (l *LerpQuat) Update(delta float64) {
	l.elapsed += delta
	*l.value = l.previous.Slerp(l.current, alpha(l.elapsed, l.rate))
}

func alpha(elapsed, rate float64) float64 {
	if rate <= 0 {
		return 1
	}
	a := elapsed / rate
	if a > 1 {
		return 1
	}
	return a
}
