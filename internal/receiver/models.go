package receiver

// CountRequest is the body of POST /update_count.
type CountRequest struct {
	Count *int64 `json:"count"`
}

// UploadResponse is returned for a stored image.
type UploadResponse struct {
	Status      string `json:"status"`
	Message     string `json:"message"`
	FilePath    string `json:"file_path"`
	Size        int64  `json:"size"`
	ContentType string `json:"content_type"`
}

// StatusResponse is the response of GET /status.
type StatusResponse struct {
	Status             string  `json:"status"`
	TotalImages        int     `json:"total_images_received"`
	TotalSizeMB        float64 `json:"total_size_mb"`
	UploadDirectory    string  `json:"upload_directory"`
	ReportedImageCount int64   `json:"reported_image_count"`
}
