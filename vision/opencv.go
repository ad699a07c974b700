// Package vision is the OpenCV side of the pipeline: the DNN inference
// backend and conversions between encoded images, gocv.Mat and ImageData.
package vision

import (
	"encoding/base64"
	"image"
	"os"
	"strings"

	"PickleDetServer/engine"
	iface "PickleDetServer/interface"

	"github.com/pkg/errors"
	"gocv.io/x/gocv"
)

// OpenCVBackend runs the model with OpenCV's DNN module on the CPU.
// A gocv.Net is not safe for concurrent Forward calls, so the detector
// serializes Infer.
type OpenCVBackend struct {
	net       gocv.Net
	loaded    bool
	inputSize image.Point
	// SwapRB converts BGR frames to the RGB order the model was trained on.
	SwapRB bool
}

func NewOpenCVBackend() *OpenCVBackend {
	return &OpenCVBackend{SwapRB: true}
}

func (b *OpenCVBackend) LoadModel(modelPath string, inputSize image.Point) error {
	if _, err := os.Stat(modelPath); err != nil {
		return err
	}
	net := gocv.ReadNet(modelPath, "")
	if net.Empty() {
		_ = net.Close()
		return errors.Errorf("cannot read network from %s", modelPath)
	}
	if err := net.SetPreferableBackend(gocv.NetBackendOpenCV); err != nil {
		_ = net.Close()
		return err
	}
	if err := net.SetPreferableTarget(gocv.NetTargetCPU); err != nil {
		_ = net.Close()
		return err
	}
	b.Destroy()
	b.net = net
	b.loaded = true
	b.inputSize = inputSize
	return nil
}

// Infer scales pixels to [0,1], resizes to the input size and returns the
// network output as anchor rows.
func (b *OpenCVBackend) Infer(img iface.ImageData) (iface.RawOutput, error) {
	if !b.loaded {
		return iface.RawOutput{}, errors.New("model not loaded")
	}
	mat, err := ImageDataToMat(img)
	if err != nil {
		return iface.RawOutput{}, err
	}
	defer mat.Close()

	blob := preprocess(mat, b.inputSize, b.SwapRB)
	defer blob.Close()
	b.net.SetInput(blob, "")
	out := b.net.Forward("")
	defer out.Close()
	return matToRawOutput(out)
}

// preprocess resizes frame to size and packs it into an NCHW float blob
// scaled to [0,1].
func preprocess(frame gocv.Mat, size image.Point, swapRB bool) gocv.Mat {
	resized := gocv.NewMat()
	defer resized.Close()
	gocv.Resize(frame, &resized, size, 0, 0, gocv.InterpolationLinear)
	return gocv.BlobFromImage(resized, 1.0/255.0, size, gocv.NewScalar(0, 0, 0, 0), swapRB, false)
}

func (b *OpenCVBackend) Destroy() {
	if b.loaded {
		_ = b.net.Close()
		b.loaded = false
	}
}

// matToRawOutput accepts [rows, cols], [1, N, attrs] and the transposed
// [1, attrs, N] layout; anchors always outnumber attributes.
func matToRawOutput(out gocv.Mat) (iface.RawOutput, error) {
	data, err := out.DataPtrFloat32()
	if err != nil {
		return iface.RawOutput{}, err
	}
	data = append([]float32(nil), data...)

	dims := out.Size()
	if len(dims) == 3 && dims[0] == 1 {
		dims = dims[1:]
	}
	if len(dims) != 2 {
		return iface.RawOutput{}, errors.Errorf("unsupported output shape %v", out.Size())
	}
	if dims[0] < dims[1] {
		return engine.TransposeAnchors(data, dims[0], dims[1]), nil
	}
	return iface.RawOutput{Data: data, Rows: dims[0], Cols: dims[1]}, nil
}

// ImageDataToMat wraps packed 8-bit pixels as a 3-channel BGR Mat.
func ImageDataToMat(img iface.ImageData) (gocv.Mat, error) {
	var mt gocv.MatType
	switch img.Channels {
	case 1:
		mt = gocv.MatTypeCV8UC1
	case 3:
		mt = gocv.MatTypeCV8UC3
	case 4:
		mt = gocv.MatTypeCV8UC4
	default:
		return gocv.NewMat(), errors.Errorf("unsupported channel count %d", img.Channels)
	}
	if img.Width <= 0 || img.Height <= 0 || len(img.Data) != img.Width*img.Height*img.Channels {
		return gocv.NewMat(), errors.Errorf("frame %dx%dx%d does not match %d bytes", img.Width, img.Height, img.Channels, len(img.Data))
	}
	mat, err := gocv.NewMatFromBytes(img.Height, img.Width, mt, img.Data)
	if err != nil {
		return gocv.NewMat(), err
	}
	if img.Channels == 3 {
		return mat, nil
	}
	bgr := gocv.NewMat()
	code := gocv.ColorGrayToBGR
	if img.Channels == 4 {
		code = gocv.ColorBGRAToBGR
	}
	gocv.CvtColor(mat, &bgr, code)
	_ = mat.Close()
	return bgr, nil
}

func MatToImageData(mat gocv.Mat) iface.ImageData {
	return iface.ImageData{
		Data:     mat.ToBytes(),
		Width:    mat.Cols(),
		Height:   mat.Rows(),
		Channels: mat.Channels(),
	}
}

// DecodeImage decodes an encoded image (jpg, png, ...) into BGR pixels.
func DecodeImage(buf []byte) (iface.ImageData, error) {
	mat, err := gocv.IMDecode(buf, gocv.IMReadColor)
	if err != nil {
		return iface.ImageData{}, err
	}
	defer mat.Close()
	if mat.Empty() {
		return iface.ImageData{}, errors.New("decoded image is empty or unsupported format")
	}
	return MatToImageData(mat), nil
}

// DecodeBase64Image accepts plain base64 or a data:image/...;base64, URL.
func DecodeBase64Image(b64 string) (iface.ImageData, error) {
	if i := strings.Index(b64, ","); i != -1 && strings.HasPrefix(b64, "data:") {
		b64 = b64[i+1:]
	}
	data, err := base64.StdEncoding.DecodeString(b64)
	if err != nil {
		return iface.ImageData{}, err
	}
	return DecodeImage(data)
}
