// Package scene holds the minimal 3D object the controller rotates.
package scene

import (
	"sync"

	"github.com/go-gl/mathgl/mgl64"
	"gonum.org/v1/gonum/num/quat"
)

// Object is a camera-like transform. It is safe for concurrent use.
type Object struct {
	mu       sync.RWMutex
	position mgl64.Vec3
	rotation mgl64.Quat
	version  uint64
}

func NewObject(position mgl64.Vec3) *Object {
	return &Object{position: position, rotation: mgl64.QuatIdent()}
}

// Snapshot is a copy of the object state.
type Snapshot struct {
	Position [3]float64 `json:"position"`
	// Rotation is x, y, z, w.
	Rotation [4]float64 `json:"rotation"`
	Forward  [3]float64 `json:"forward"`
	Version  uint64     `json:"version"`
}

func (o *Object) Quaternion() quat.Number {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return toNumber(o.rotation)
}

func (o *Object) SetQuaternion(q quat.Number) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.rotation = fromNumber(q)
	o.version++
}

func (o *Object) Position() mgl64.Vec3 {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return o.position
}

func (o *Object) SetPosition(p mgl64.Vec3) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.position = p
	o.version++
}

// Forward is the look direction: the object's -Z axis in world space.
func (o *Object) Forward() mgl64.Vec3 {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return o.rotation.Rotate(mgl64.Vec3{0, 0, -1})
}

// ViewMatrix is the inverse of the object's world transform.
func (o *Object) ViewMatrix() mgl64.Mat4 {
	o.mu.RLock()
	defer o.mu.RUnlock()
	world := mgl64.Translate3D(o.position[0], o.position[1], o.position[2]).Mul4(o.rotation.Mat4())
	return world.Inv()
}

func (o *Object) Snapshot() Snapshot {
	o.mu.RLock()
	defer o.mu.RUnlock()
	fwd := o.rotation.Rotate(mgl64.Vec3{0, 0, -1})
	r := o.rotation
	return Snapshot{
		Position: [3]float64(o.position),
		Rotation: [4]float64{r.V[0], r.V[1], r.V[2], r.W},
		Forward:  [3]float64(fwd),
		Version:  o.version,
	}
}

func toNumber(q mgl64.Quat) quat.Number {
	return quat.Number{Real: q.W, Imag: q.V[0], Jmag: q.V[1], Kmag: q.V[2]}
}

func fromNumber(q quat.Number) mgl64.Quat {
	return mgl64.Quat{W: q.Real, V: mgl64.Vec3{q.Imag, q.Jmag, q.Kmag}}
}
