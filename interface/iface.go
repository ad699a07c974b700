package iface

import "image"

// Backend is the inference collaborator: it owns the loaded model and turns a
// frame into raw anchor rows. Preprocessing (resize, scaling to [0,1], channel
// swap) happens inside the backend.
type Backend interface {
	LoadModel(modelPath string, inputSize image.Point) error
	Infer(img ImageData) (RawOutput, error)
	Destroy()
}

// ConcurrentBackend is implemented by backends whose Infer may be called from
// several goroutines at once. Other backends are serialized by the detector.
type ConcurrentBackend interface {
	Backend
	ConcurrentSafe() bool
}
