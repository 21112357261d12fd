package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
)

func TestRecordUpload(t *testing.T) {
	before := testutil.ToFloat64(uploadsTotal.WithLabelValues("success"))

	RecordUpload("success", 0.2)
	RecordUpload("success", 0.3)

	assert.Equal(t, before+2, testutil.ToFloat64(uploadsTotal.WithLabelValues("success")))
}

func TestGauges(t *testing.T) {
	SetEndpointKnown(true)
	assert.Equal(t, 1.0, testutil.ToFloat64(endpointKnown))
	SetEndpointKnown(false)
	assert.Equal(t, 0.0, testutil.ToFloat64(endpointKnown))

	SetTransferActive(true)
	assert.Equal(t, 1.0, testutil.ToFloat64(transferActive))
	SetTransferActive(false)
	assert.Equal(t, 0.0, testutil.ToFloat64(transferActive))
}

func TestRecordReceivedImage(t *testing.T) {
	images := testutil.ToFloat64(receivedImagesTotal)
	bytes := testutil.ToFloat64(receivedBytesTotal)

	RecordReceivedImage(2048)

	assert.Equal(t, images+1, testutil.ToFloat64(receivedImagesTotal))
	assert.Equal(t, bytes+2048, testutil.ToFloat64(receivedBytesTotal))
}
