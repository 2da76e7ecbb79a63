package ai

// EntityTypes defines the valid categories for extracted entities.
// Extractors must classify every mention as one of these.
var EntityTypes = []string{
	"organization",
	"person",
	"product",
	"location",
	"event",
}
