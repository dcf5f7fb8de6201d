package testutil

import (
	"encoding/json"
	"net/http/httptest"
	"strings"
	"testing"
)

type errorResponse struct {
	Success  bool   `json:"success"`
	Error    string `json:"error"`
	Code     string `json:"code"`
	Rejected bool   `json:"rejected"`
}

func decodeError(t *testing.T, resp *httptest.ResponseRecorder) errorResponse {
	t.Helper()
	var errResp errorResponse
	if err := json.Unmarshal(resp.Body.Bytes(), &errResp); err != nil {
		t.Fatalf("decode error response: %v (body=%s)", err, resp.Body.String())
	}
	return errResp
}

// AssertError checks status, success=false and the error code.
func AssertError(t *testing.T, resp *httptest.ResponseRecorder, expectedStatus int, expectedCode string) {
	t.Helper()
	AssertHTTPStatus(t, resp, expectedStatus)
	errResp := decodeError(t, resp)
	if errResp.Success {
		t.Fatalf("expected success=false, body=%s", resp.Body.String())
	}
	if errResp.Code != expectedCode {
		t.Fatalf("expected error code %q, got %q", expectedCode, errResp.Code)
	}
}

func AssertErrorContains(t *testing.T, resp *httptest.ResponseRecorder, fragment string) {
	t.Helper()
	errResp := decodeError(t, resp)
	if !strings.Contains(errResp.Error, fragment) {
		t.Fatalf("expected error containing %q, got %q", fragment, errResp.Error)
	}
}

func AssertHTTPStatus(t *testing.T, resp *httptest.ResponseRecorder, expectedStatus int) {
	t.Helper()
	if resp.Code != expectedStatus {
		t.Fatalf("expected status %d, got %d (body=%s)", expectedStatus, resp.Code, resp.Body.String())
	}
}
