package escrow

import (
	"errors"
	"fmt"
	"testing"
)

func TestKind(t *testing.T) {
	tests := []struct {
		err  error
		want string
	}{
		{nil, "ok"},
		{fmt.Errorf("%w: detail", ErrWrongState), "wrong_state"},
		{ErrLimitBelowCurrentTotal, "limit_below_total"},
		{fmt.Errorf("%w: %w", ErrSinkFailed, errors.New("boom")), "sink_failed"},
		{fmt.Errorf("%w: %w", ErrTransferFailed, errors.New("boom")), "transfer_failed"},
		{errors.New("disk full"), "internal"},
	}
	for _, tt := range tests {
		if got := Kind(tt.err); got != tt.want {
			t.Errorf("Kind(%v): expected %q, got %q", tt.err, tt.want, got)
		}
	}
}
