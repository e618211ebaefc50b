package scenario

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestClassify(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want Class
	}{
		{"nil", nil, ClassNone},
		{"not found", fmt.Errorf("load: %w", ErrNotFound), ClassNotFound},
		{"slot", fmt.Errorf("edit: %w", ErrInvalidSlot), ClassInvalidSlot},
		{"parse", fmt.Errorf("edit: %w", ErrParseFailure), ClassParseFailure},
		{"persistence", persistenceErr("save", errors.New("conn reset")), ClassPersistence},
		{"conflict wins over persistence", fmt.Errorf("%w: %w", ErrPersistence, ErrConflict), ClassConflict},
		{"malformed is not persistence", persistenceErr("load", fmt.Errorf("%w: bad json", ErrMalformed)), ClassMalformed},
		{"transport", fmt.Errorf("send: %w", ErrTransport), ClassTransport},
		{"stale", ErrStaleBooking, ClassStaleBooking},
		{"other", errors.New("boom"), ClassInternal},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Classify(tt.err))
		})
	}
}

func TestParseKindAndTarget(t *testing.T) {
	k, err := ParseKind(" Photo ")
	assert.NoError(t, err)
	assert.Equal(t, KindPhoto, k)
	assert.True(t, k.HasMedia())
	assert.Equal(t, MaxCaptionLength, k.Limit())
	assert.Equal(t, MaxTextLength, KindText.Limit())

	k, err = ParseKind("audio")
	assert.NoError(t, err)
	assert.Equal(t, KindVideo, k)

	_, err = ParseKind("sticker")
	assert.Error(t, err)
	assert.False(t, Kind(0).Valid())

	target, err := ParseTarget("general")
	assert.NoError(t, err)
	assert.Equal(t, TargetTemplate, target)
	target, err = ParseTarget("users")
	assert.NoError(t, err)
	assert.Equal(t, TargetPatient, target)
	_, err = ParseTarget("doctors")
	assert.Error(t, err)
}
