package wallet

import (
	"context"
	"io"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/punchamoorthee/payops/internal/domain"
)

type recordedLine struct {
	walletID int64
	level    string
	message  string
	fields   map[string]string
}

type fakeLogStore struct {
	lines []recordedLine
}

func (s *fakeLogStore) InsertWalletLog(ctx context.Context, walletID int64, level, message string, logCtx map[string]string) error {
	s.lines = append(s.lines, recordedLine{walletID, level, message, logCtx})
	return nil
}

func quietLog() *logrus.Logger {
	log := logrus.New()
	log.SetOutput(io.Discard)
	return log
}

func TestLoggerPersistsWalletLines(t *testing.T) {
	st := &fakeLogStore{}
	l := NewLogger(st, quietLog())
	w := &domain.Wallet{ID: 7, UserID: 2, Label: "phoenix"}

	l.OK(context.Background(), w, "payment received: 21 sats", map[string]string{"fee": "120 msats"})
	l.Error(context.Background(), w, "outgoing payment failed: no route", nil)

	require.Len(t, st.lines, 2)
	assert.Equal(t, int64(7), st.lines[0].walletID)
	assert.Equal(t, "SUCCESS", st.lines[0].level)
	assert.Equal(t, "payment received: 21 sats", st.lines[0].message)
	assert.Equal(t, "120 msats", st.lines[0].fields["fee"])
	assert.Equal(t, "ERROR", st.lines[1].level)
}

func TestLoggerToleratesNilWallet(t *testing.T) {
	st := &fakeLogStore{}
	l := NewLogger(st, quietLog())

	l.OK(context.Background(), nil, "payment received: 1 sat", nil)
	l.Error(context.Background(), nil, "outgoing payment failed: unknown failure", nil)

	assert.Empty(t, st.lines, "nil wallet lines stay out of the store")
}
