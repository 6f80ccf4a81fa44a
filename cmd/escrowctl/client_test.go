package main

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestClientCall(t *testing.T) {
	var gotAuth string
	var gotBody map[string]string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		switch r.URL.Path {
		case "/v1/deposit":
			require.NoError(t, json.NewDecoder(r.Body).Decode(&gotBody))
			_, _ = w.Write([]byte(`{"state":"DEPOSIT","sequence":3}`))
		default:
			w.WriteHeader(http.StatusConflict)
			_, _ = w.Write([]byte(`{"error":"escrow: the ledger is not in the right state"}`))
		}
	}))
	defer srv.Close()

	c := &client{base: srv.URL + "/", bearer: "abc"}
	out, err := c.call(http.MethodPost, "/v1/deposit", map[string]string{"amount": "10"})
	require.NoError(t, err)
	require.Equal(t, "Bearer abc", gotAuth)
	require.Equal(t, "10", gotBody["amount"])
	require.Contains(t, out, "\"sequence\": 3")

	_, err = c.call(http.MethodPost, "/v1/claim", nil)
	require.EqualError(t, err, "409 Conflict: escrow: the ledger is not in the right state")
}

func TestCommands_DepositSignsToken(t *testing.T) {
	var gotAuth string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		_, _ = w.Write([]byte(`{"state":"DEPOSIT","sequence":1}`))
	}))
	defer srv.Close()

	var out bytes.Buffer
	cmdMain.SetOut(&out)
	cmdMain.SetErr(&out)
	cmdMain.SetArgs([]string{"deposit", "25", "--server", srv.URL, "--secret", "s3cret", "--as", "0x2000000000000000000000000000000000000001"})
	require.NoError(t, cmdMain.Execute())
	require.NoError(t, DidError)
	require.Contains(t, gotAuth, "Bearer ey")
	require.Contains(t, out.String(), "DEPOSIT")

	out.Reset()
	cmdMain.SetArgs([]string{"claim", "--server", srv.URL, "--secret", "s3cret", "--as", "bob"})
	require.NoError(t, cmdMain.Execute())
	require.Error(t, DidError)
	require.Contains(t, out.String(), "--as must be a hex address")
	DidError = nil
}
