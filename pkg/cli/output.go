package cli

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"
)

// outputJSON controls whether commands should output JSON instead of styled text
var outputJSON bool

// SetJSONOutput sets the JSON output mode
func SetJSONOutput(enabled bool) {
	outputJSON = enabled
}

// IsJSONOutput returns true if JSON output mode is enabled
func IsJSONOutput() bool {
	return outputJSON
}

// PrintJSON outputs data as JSON if JSON mode is enabled, returns true if it did
func PrintJSON(data interface{}) bool {
	if !outputJSON {
		return false
	}
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	_ = enc.Encode(data)
	return true
}

// PrintSuccess prints a success message with a green checkmark
func PrintSuccess(msg string) {
	fmt.Printf("  %s %s\n", SuccessStyle.Render(SymbolSuccess), msg)
}

// PrintSuccessf prints a formatted success message
func PrintSuccessf(format string, args ...interface{}) {
	PrintSuccess(fmt.Sprintf(format, args...))
}

// PrintSuccessWithValue prints a success message with a right-aligned value
func PrintSuccessWithValue(msg, value string) {
	symbol := SuccessStyle.Render(SymbolSuccess)
	// Create a styled line with value right-aligned
	fmt.Printf("  %s %-40s %s\n", symbol, msg, DimStyle.Render(value))
}

// PrintError prints an error message with a red X
func PrintError(err error) {
	fmt.Printf("  %s %s\n", ErrorStyle.Render(SymbolError), ErrorStyle.Render(err.Error()))
}

// PrintErrorMsg prints a simple error message string
func PrintErrorMsg(msg string) {
	fmt.Printf("  %s %s\n", ErrorStyle.Render(SymbolError), ErrorStyle.Render(msg))
}

// PrintWarning prints a warning message with a yellow indicator
func PrintWarning(msg string) {
	fmt.Printf("  %s %s\n", WarningStyle.Render(SymbolWarning), WarningStyle.Render(msg))
}

// PrintInfo prints an info message with an arrow
func PrintInfo(msg string) {
	fmt.Printf("  %s %s\n", InfoStyle.Render(SymbolInfo), msg)
}

// PrintInfof prints a formatted info message
func PrintInfof(format string, args ...interface{}) {
	PrintInfo(fmt.Sprintf(format, args...))
}

// PrintHint prints a subtle hint/suggestion
func PrintHint(msg string) {
	fmt.Printf("\n  %s\n", HintStyle.Render(msg))
}

// PrintSuggestions prints a list of suggestions
func PrintSuggestions(title string, suggestions []string) {
	fmt.Println()
	fmt.Printf("  %s\n", DimStyle.Render(title))
	for _, s := range suggestions {
		fmt.Printf("    %s %s\n", DimStyle.Render(SymbolBullet), s)
	}
}

// PrintHeader prints a section header
func PrintHeader(title string) {
	fmt.Println(IndentedStyle(1).Inherit(SectionTitleStyle).Render(title))
}

// PrintKeyValue prints a key-value pair with consistent alignment
func PrintKeyValue(key, value string) {
	fmt.Printf("  %s\n", KeyValueLine(key, value, ValueStyle))
}

// PrintKeyValueStyled prints a key-value pair with a custom value style
func PrintKeyValueStyled(key, value string, valueStyle lipgloss.Style) {
	fmt.Printf("  %s\n", KeyValueLine(key, value, valueStyle))
}

// KeyValueLine renders an aligned key-value pair. Empty values show as a
// muted dash.
func KeyValueLine(key, value string, valueStyle lipgloss.Style) string {
	if value == "" {
		return KeyStyle.Render(key) + " " + MutedStyle.Render("-")
	}
	return KeyStyle.Render(key) + " " + valueStyle.Render(value)
}

// PrintStatusBox prints lines inside the padded status box
func PrintStatusBox(lines ...string) {
	fmt.Println(StatusBoxStyle.Render(strings.Join(lines, "\n")))
}

// PrintBullet prints a bulleted item
func PrintBullet(text string) {
	fmt.Printf("    %s %s\n", DimStyle.Render(SymbolBullet), text)
}

// PrintIndented prints text with indentation
func PrintIndented(text string, level int) {
	indent := strings.Repeat("  ", level)
	fmt.Printf("%s%s\n", indent, text)
}

// PrintNewline prints an empty line
func PrintNewline() {
	fmt.Println()
}

// Table represents a styled table
type Table struct {
	Headers []string
	Rows    [][]string
	Widths  []int
}

// NewTable creates a new table with the given headers
func NewTable(headers ...string) *Table {
	widths := make([]int, len(headers))
	for i, h := range headers {
		widths[i] = len(h)
	}
	return &Table{
		Headers: headers,
		Widths:  widths,
	}
}

// AddRow adds a row to the table
func (t *Table) AddRow(cells ...string) {
	// Pad or truncate to match header count
	row := make([]string, len(t.Headers))
	for i := range row {
		if i < len(cells) {
			row[i] = cells[i]
			if len(cells[i]) > t.Widths[i] {
				t.Widths[i] = len(cells[i])
			}
		}
	}
	t.Rows = append(t.Rows, row)
}

// Print renders the table to stdout
func (t *Table) Print() {
	if len(t.Rows) == 0 {
		return
	}

	// Print headers
	fmt.Print("  ")
	for i, h := range t.Headers {
		style := TableHeaderStyle.Width(t.Widths[i] + 2)
		fmt.Print(style.Render(h))
	}
	fmt.Println()

	// Print separator
	fmt.Print("  ")
	for i := range t.Headers {
		separator := strings.Repeat("─", t.Widths[i])
		fmt.Print(DimStyle.Render(separator), "  ")
	}
	fmt.Println()

	// Print rows
	for _, row := range t.Rows {
		fmt.Print("  ")
		for i, cell := range row {
			style := TableCellStyle.Width(t.Widths[i] + 2)
			fmt.Print(style.Render(cell))
		}
		fmt.Println()
	}
}

// FormatRelativeTime formats a timestamp as relative time (e.g., "2 hours ago").
// Future timestamps read as "in 3 hours".
func FormatRelativeTime(t time.Time) string {
	if t.IsZero() {
		return "-"
	}

	duration := time.Since(t)
	suffix := " ago"
	if duration < 0 {
		duration = -duration
		suffix = ""
	}

	var out string
	switch {
	case duration < time.Minute:
		return "just now"
	case duration < time.Hour:
		out = plural(int(duration.Minutes()), "minute")
	case duration < 24*time.Hour:
		out = plural(int(duration.Hours()), "hour")
	case duration < 7*24*time.Hour:
		out = plural(int(duration.Hours()/24), "day")
	case duration < 30*24*time.Hour:
		out = plural(int(duration.Hours()/24/7), "week")
	default:
		return t.Format("Jan 2, 2006")
	}

	if suffix == "" {
		return "in " + out
	}
	return out + suffix
}

func plural(n int, unit string) string {
	if n == 1 {
		return "1 " + unit
	}
	return fmt.Sprintf("%d %ss", n, unit)
}

// Truncate truncates a string to maxLen, adding "..." if needed
func Truncate(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	if maxLen <= 3 {
		return s[:maxLen]
	}
	return s[:maxLen-3] + "..."
}
