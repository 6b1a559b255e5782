package domain

import (
	"errors"
	"fmt"
	"testing"
)

func TestIsTransient(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{
			name: "transient error",
			err:  ErrStoreTransient,
			want: true,
		},
		{
			name: "wrapped corrupt document",
			err:  fmt.Errorf("read snapshots: %w", ErrStoreCorrupt),
			want: true,
		},
		{
			name: "joined transient error",
			err:  errors.Join(ErrStoreTransient, errors.New("additional context")),
			want: true,
		},
		{
			name: "other error",
			err:  ErrProductNotFound,
			want: false,
		},
		{
			name: "nil error",
			err:  nil,
			want: false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := IsTransient(tt.err)
			if got != tt.want {
				t.Errorf("IsTransient() = %v, want %v", got, tt.want)
			}
		})
	}
}
