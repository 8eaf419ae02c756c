package model

import "testing"

func TestRequestStateTerminal(t *testing.T) {
	cases := []struct {
		state RequestState
		want  bool
	}{
		{RequestPending, false},
		{RequestRunning, false},
		{RequestSucceeded, true},
		{RequestFailed, true},
		{RequestCancelled, true},
		{RequestTimedOut, true},
	}

	for _, tc := range cases {
		if got := tc.state.Terminal(); got != tc.want {
			t.Errorf("%s.Terminal() = %v, want %v", tc.state, got, tc.want)
		}
	}
}
