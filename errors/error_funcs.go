package errors

import (
	"errors"
	"os"

	log "github.com/charmbracelet/log"
)

// OsExit is a variable for testing, so we can mock os.Exit.
var OsExit = os.Exit

// Static errors shared across packages.
var (
	// ErrConfigNotFound is returned when no `iamsync.yaml` config file can be located.
	ErrConfigNotFound = errors.New("config file 'iamsync.yaml' not found")

	// ErrNoAccounts is returned when the configuration declares no accounts.
	ErrNoAccounts = errors.New("no accounts configured")

	// ErrDuplicateAccount is returned when two configured accounts share an id.
	ErrDuplicateAccount = errors.New("duplicate account id in configuration")

	// ErrUnknownTemplateType is returned when a template file declares a
	// template_type that does not map to a known resource kind.
	ErrUnknownTemplateType = errors.New("unknown template_type")

	// ErrNoClient is returned when an account could not resolve an
	// authenticated client for the requested service.
	ErrNoClient = errors.New("no authenticated client available for account")

	// ErrReadOnlyAccount is returned when a mutating call targets an account
	// marked read_only.
	ErrReadOnlyAccount = errors.New("account is read-only")

	// ErrAssignmentFailed is returned when an Identity Center account
	// assignment operation reaches a terminal failure state.
	ErrAssignmentFailed = errors.New("account assignment operation failed")

	// ErrProvisionFailed is returned when permission set provisioning reaches
	// a terminal failure state.
	ErrProvisionFailed = errors.New("permission set provisioning failed")
)

// CheckErrorAndPrint logs an error message with optional context.
func CheckErrorAndPrint(err error, keyvals ...any) {
	if err == nil {
		return
	}
	log.Error(err.Error(), keyvals...)
}

// CheckErrorPrintAndExit logs an error message and exits with exit code 1.
func CheckErrorPrintAndExit(err error, keyvals ...any) {
	if err == nil {
		return
	}
	CheckErrorAndPrint(err, keyvals...)
	Exit(1)
}

// Exit exits the program with the specified exit code.
func Exit(exitCode int) {
	OsExit(exitCode)
}
