package types

// Box represents a normalized bounding box with coordinates in [0,1] range
type Box struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
	W float64 `json:"w"`
	H float64 `json:"h"`
}

// ImageRequest is the body of the image endpoints. ImageData is a data URL
// ("data:image/png;base64,...") or a bare base64 string.
type ImageRequest struct {
	ImageData string `json:"image_data"`
	Mode      string `json:"mode,omitempty"`
}

// Segmentation render modes
const (
	ModeSideBySide = "side_by_side"
	ModeOverlay    = "overlay"
)

// ClassificationResponse is returned by /analyze-image
type ClassificationResponse struct {
	Prediction string  `json:"prediction"`
	Confidence float64 `json:"confidence"`
	Cached     bool    `json:"cached,omitempty"`
}

// SegmentationResponse is returned by /segment-image. Prediction holds the
// rendered PNG as a data URL.
type SegmentationResponse struct {
	Prediction string  `json:"prediction"`
	Coverage   float64 `json:"coverage"`
	Pixels     int     `json:"lesion_pixels"`
	Box        *Box    `json:"bbox,omitempty"`
	Lesions    []Box   `json:"lesions"`
	Cached     bool    `json:"cached,omitempty"`
}

// VitalsResponse is returned by /analyze-vitals
type VitalsResponse struct {
	Insights []string `json:"insights"`
}

// ErrorResponse carries a failure message
type ErrorResponse struct {
	Error string `json:"error"`
}
