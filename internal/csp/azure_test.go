package csp

import (
	"net/http"
	"testing"
)

func TestClassify(t *testing.T) {
	if _, ok := classify(http.StatusUnauthorized, "x").(AuthenticationError); !ok {
		t.Fatalf("401 should classify as AuthenticationError")
	}
	if _, ok := classify(http.StatusForbidden, "x").(AuthorizationError); !ok {
		t.Fatalf("403 should classify as AuthorizationError")
	}
	if _, ok := classify(http.StatusConflict, "x").(ResourceExistsError); !ok {
		t.Fatalf("409 should classify as ResourceExistsError")
	}
	if _, ok := classify(http.StatusBadRequest, "x").(BadRequestError); !ok {
		t.Fatalf("400 should classify as BadRequestError")
	}
	if _, ok := classify(http.StatusUnprocessableEntity, "x").(BadRequestError); !ok {
		t.Fatalf("422 should classify as BadRequestError")
	}
	if _, ok := classify(http.StatusInternalServerError, "x").(UnknownServerError); !ok {
		t.Fatalf("500 should classify as UnknownServerError")
	}
	if _, ok := classify(http.StatusServiceUnavailable, "x").(UnknownServerError); !ok {
		t.Fatalf("503 should classify as UnknownServerError")
	}
}

// A validation rejection must fail the stage; only server-side faults retry.
func TestBadRequestIsNotTransient(t *testing.T) {
	if Transient(classify(http.StatusBadRequest, "missing field")) {
		t.Fatalf("400 must not be transient")
	}
	if Transient(classify(http.StatusNotFound, "")) {
		t.Fatalf("404 must not be transient")
	}
	if !Transient(classify(http.StatusInternalServerError, "")) {
		t.Fatalf("500 must be transient")
	}
	if AlreadyExists(classify(http.StatusBadRequest, "")) {
		t.Fatalf("400 must not read as already-exists")
	}
}
