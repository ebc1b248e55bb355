package idgen

import (
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
)

func TestNew_IsUUID(t *testing.T) {
	_, err := uuid.Parse(New())
	assert.NoError(t, err)
	assert.NotEqual(t, New(), New())
}

func TestWithPrefix(t *testing.T) {
	id := WithPrefix("inv_")
	assert.True(t, strings.HasPrefix(id, "inv_"))
	assert.Len(t, id, len("inv_")+24)
}

func TestReceipt_FitsGatewayLimit(t *testing.T) {
	now := time.Date(2025, 1, 20, 10, 0, 0, 0, time.UTC)

	r := Receipt("RENEW", now)
	assert.True(t, strings.HasPrefix(r, "renew_"))
	assert.LessOrEqual(t, len(r), MaxReceiptLen)
	assert.NotEqual(t, r, Receipt("RENEW", now))

	long := Receipt(strings.Repeat("x", 60), now)
	assert.Len(t, long, MaxReceiptLen)
}
