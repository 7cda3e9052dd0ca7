package stage

// Stage ids emitted by the video evaluation pipeline.
const (
	IngestVideo        = "ingest_video"
	SegmentVideo       = "segment_video"
	VisionDetection    = "yolo26_vision"
	OpenVocabDetection = "yoloworld_vision"
	ViolenceDetection  = "violence_detection"
	AudioTranscription = "audio_transcription"
	OCRExtraction      = "ocr_extraction"
	TextModeration     = "text_moderation"
	PolicyFusion       = "policy_fusion"
	ReportGeneration   = "report_generation"
)

// DefaultCatalog returns the evaluation pipeline as the server declares it.
// Hints weight the model-heavy stages more than their ordinal would.
func DefaultCatalog() *Catalog {
	return MustCatalog(
		Descriptor{ID: IngestVideo, Position: 0}.WithHint(0),
		Descriptor{ID: SegmentVideo, Position: 1}.WithHint(5),
		Descriptor{ID: VisionDetection, Position: 2}.WithHint(10),
		Descriptor{ID: OpenVocabDetection, Position: 3}.WithHint(25),
		Descriptor{ID: ViolenceDetection, Position: 4}.WithHint(40),
		Descriptor{ID: AudioTranscription, Position: 5}.WithHint(55),
		Descriptor{ID: OCRExtraction, Position: 6}.WithHint(70),
		Descriptor{ID: TextModeration, Position: 7}.WithHint(80),
		Descriptor{ID: PolicyFusion, Position: 8}.WithHint(90),
		Descriptor{ID: ReportGeneration, Position: 9}.WithHint(95),
	)
}
