package cli

import (
	"strings"

	"github.com/charmbracelet/huh/spinner"
)

// RunSpinnerWithResult runs an action with a spinner and returns any error.
// In JSON mode the spinner is skipped so stdout stays machine readable.
func RunSpinnerWithResult(title string, fn func() error) error {
	if IsJSONOutput() {
		return fn()
	}

	var actionErr error

	err := spinner.New().
		Title("  " + title).
		Action(func() {
			actionErr = fn()
		}).
		Run()

	if err != nil {
		return err
	}
	return actionErr
}

// SimpleSpinner shows a spinner with a simple title and runs the action.
// On success, prints the title without its trailing "...".
func SimpleSpinner(title string, fn func() error) error {
	if err := RunSpinnerWithResult(title, fn); err != nil {
		return err
	}
	PrintSuccess(strings.TrimSuffix(title, "..."))
	return nil
}

// SpinnerWithValue runs an action and shows the result value on success
func SpinnerWithValue(title string, fn func() (string, error)) error {
	var value string
	err := RunSpinnerWithResult(title, func() error {
		var err error
		value, err = fn()
		return err
	})
	if err != nil {
		return err
	}

	PrintSuccessWithValue(strings.TrimSuffix(title, "..."), value)
	return nil
}
