package cli

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
)

// StatusMessages maps gateway status codes to human-readable messages
var StatusMessages = map[int]string{
	http.StatusBadRequest:          "Invalid request parameters",
	http.StatusUnauthorized:        "Authentication failed - invalid or missing token",
	http.StatusNotFound:            "Resource not found",
	http.StatusInternalServerError: "Internal server error",
	http.StatusServiceUnavailable:  "Service unavailable - the sandbox is not ready yet",
}

// StatusSuggestions provides helpful suggestions for specific status codes
var StatusSuggestions = map[int][]string{
	http.StatusUnauthorized: {
		"Check that your token is correct: " + CodeStyle.Render("--token <token>"),
		"Or set " + CodeStyle.Render("PLAYGROUND_TOKEN"),
	},
	http.StatusServiceUnavailable: {
		"Sandboxes take a minute or two to boot",
		"Check progress with " + CodeStyle.Render("playground instance get <id>"),
	},
}

// FormatError converts an error to a human-readable message.
func FormatError(err error) string {
	if err == nil {
		return ""
	}

	var apiErr *APIError
	if errors.As(err, &apiErr) {
		msg, ok := StatusMessages[apiErr.StatusCode]
		if !ok {
			return apiErr.Error()
		}
		if apiErr.Message != "" && !strings.Contains(strings.ToLower(msg), strings.ToLower(apiErr.Message)) {
			return fmt.Sprintf("%s (%s)", msg, apiErr.Message)
		}
		return msg
	}

	return cleanErrorMessage(err.Error())
}

// GetErrorSuggestions returns helpful suggestions for an error
func GetErrorSuggestions(err error) []string {
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return StatusSuggestions[apiErr.StatusCode]
	}
	if err != nil && strings.Contains(err.Error(), "failed to connect to gateway") {
		return []string{
			"Verify the gateway is running at " + CodeStyle.Render(gatewayAddr),
			"Check your " + CodeStyle.Render("PLAYGROUND_GATEWAY") + " environment variable",
		}
	}
	return nil
}

// cleanErrorMessage cleans up common error message patterns
func cleanErrorMessage(msg string) string {
	msg = strings.TrimPrefix(msg, "error: ")
	msg = strings.TrimPrefix(msg, "Error: ")

	// For deeply nested errors, just show the most relevant part
	if parts := strings.Split(msg, ": "); len(parts) > 3 {
		msg = parts[0] + ": " + parts[len(parts)-1]
	}

	return msg
}

// PrintFormattedError prints an error with styling and optional suggestions
func PrintFormattedError(title string, err error) {
	fmt.Println()
	PrintErrorMsg(title)

	if err != nil {
		fmt.Printf("  %s\n", DimStyle.Render(FormatError(err)))

		if suggestions := GetErrorSuggestions(err); len(suggestions) > 0 {
			PrintSuggestions("Suggestions:", suggestions)
		}
	}
	fmt.Println()
}
