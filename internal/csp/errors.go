package csp

import (
	"errors"
	"fmt"
)

// The error taxonomy normalizes provider failures so the provisioning
// engine never inspects provider-specific payloads. Classification:
//   - transient (connection, unknown server): retry on a later pass
//   - authentication/authorization: operator intervention required
//   - already-exists: idempotent success, advance as if created
type AuthenticationError struct {
	Reason string
}

func (e AuthenticationError) Error() string {
	return fmt.Sprintf("cloud provider authentication failed: %s", e.Reason)
}

type AuthorizationError struct {
	Reason string
}

func (e AuthorizationError) Error() string {
	return fmt.Sprintf("cloud provider rejected the action: %s", e.Reason)
}

// ConnectionError covers timeouts, DNS failures and unreachable endpoints.
type ConnectionError struct {
	Cause error
}

func (e ConnectionError) Error() string {
	return fmt.Sprintf("could not connect to cloud provider: %v", e.Cause)
}

func (e ConnectionError) Unwrap() error { return e.Cause }

// BadRequestError is a 4xx-class rejection of the request itself. Retrying
// the same payload cannot succeed, so the stage fails instead of spinning.
type BadRequestError struct {
	StatusCode int
	Reason     string
}

func (e BadRequestError) Error() string {
	return fmt.Sprintf("cloud provider rejected the request (status %d): %s", e.StatusCode, e.Reason)
}

// UnknownServerError is a 5xx-class failure on the provider side.
type UnknownServerError struct {
	StatusCode int
	Reason     string
}

func (e UnknownServerError) Error() string {
	return fmt.Sprintf("cloud provider server error (status %d): %s", e.StatusCode, e.Reason)
}

// EnvironmentExistsError reports that the environment was already created,
// e.g. by a prior attempt whose confirmation was lost.
type EnvironmentExistsError struct {
	Name string
}

func (e EnvironmentExistsError) Error() string {
	return fmt.Sprintf("environment %s already exists", e.Name)
}

// ResourceExistsError is the generic already-provisioned condition for
// stage operations (tenant, billing profile, ...).
type ResourceExistsError struct {
	Resource string
}

func (e ResourceExistsError) Error() string {
	return fmt.Sprintf("%s already exists", e.Resource)
}

type UserProvisioningError struct {
	Reason string
}

func (e UserProvisioningError) Error() string {
	return fmt.Sprintf("user could not be provisioned: %s", e.Reason)
}

type UserRemovalError struct {
	UserCloudID string
	Reason      string
}

func (e UserRemovalError) Error() string {
	return fmt.Sprintf("failed to suspend or delete user %s: %s", e.UserCloudID, e.Reason)
}

// Transient reports whether err should leave provisioning state unchanged
// so a later worker pass retries the same stage.
func Transient(err error) bool {
	var conn ConnectionError
	var unknown UnknownServerError
	return errors.As(err, &conn) || errors.As(err, &unknown)
}

// AlreadyExists reports whether err means the resource was provisioned by
// an earlier attempt and the stage should be treated as a success.
func AlreadyExists(err error) bool {
	var env EnvironmentExistsError
	var res ResourceExistsError
	return errors.As(err, &env) || errors.As(err, &res)
}
