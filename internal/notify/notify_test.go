package notify

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryCapturesBySubject(t *testing.T) {
	m := &Memory{}
	ctx := context.Background()

	require.NoError(t, m.Publish(ctx, SubjectDealSettled, map[string]string{"deal_id": "d1"}))
	require.NoError(t, m.Publish(ctx, SubjectLedgerRow, map[string]string{"txid": "0x01"}))

	settled := m.Events(SubjectDealSettled)
	require.Len(t, settled, 1)
	assert.JSONEq(t, `{"deal_id":"d1"}`, string(settled[0].Payload))
	assert.Empty(t, m.Events(SubjectDealFailed))
}

func TestNewNATSRequiresURL(t *testing.T) {
	_, err := NewNATS(Config{}, nil)
	assert.Error(t, err)
}

func TestNopPublisher(t *testing.T) {
	var p Publisher = Nop{}
	assert.NoError(t, p.Publish(context.Background(), SubjectDealFailed, nil))
	p.Close()
}
