package export

import (
	"strings"
	"testing"
	"time"
)

func TestTextToHTML(t *testing.T) {
	tests := []struct {
		name     string
		input    string
		expected string
	}{
		{
			name:     "empty input",
			input:    "",
			expected: "",
		},
		{
			name:     "single paragraph",
			input:    "Close the main valve.",
			expected: "<p>Close the main valve.</p>",
		},
		{
			name:     "two paragraphs",
			input:    "First block.\n\nSecond block.",
			expected: "<p>First block.</p><p>Second block.</p>",
		},
		{
			name:     "line break inside block",
			input:    "Line one\nLine two",
			expected: "<p>Line one<br>Line two</p>",
		},
		{
			name:     "html is escaped",
			input:    "<script>alert(1)</script>",
			expected: "&lt;script&gt;",
		},
		{
			name:     "windows line endings",
			input:    "First.\r\n\r\nSecond.",
			expected: "<p>First.</p><p>Second.</p>",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result := string(TextToHTML(tt.input))
			if !strings.Contains(result, tt.expected) {
				t.Errorf("TextToHTML() = %v, want to contain %v", result, tt.expected)
			}
		})
	}
}

func TestSanitizeFilename(t *testing.T) {
	tests := []struct {
		input    string
		expected string
	}{
		{"Hello World", "Hello-World"},
		{"Forklift Inspection v1.2", "Forklift-Inspection-v12"},
		{"Special!@#$%Chars", "SpecialChars"},
		{"", "procedure"},
		{"Very Long Title That Exceeds Fifty Characters Limit", "Very-Long-Title-That-Exceeds-Fifty-Characters-Limi"},
	}

	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			result := sanitizeFilename(tt.input)
			if result != tt.expected {
				t.Errorf("sanitizeFilename(%q) = %q, want %q", tt.input, result, tt.expected)
			}
		})
	}
}

func TestPercentEncodeForDataURL(t *testing.T) {
	tests := []struct {
		input    string
		expected string
	}{
		{"hello world", "hello%20world"},       // Spaces encoded as %20, not +
		{"test+sign", "test%2Bsign"},           // + signs are encoded
		{"special<>", "special%3C%3E"},         // Special chars encoded
		{"normal-text.txt", "normal-text.txt"}, // Unreserved chars pass through
		{"", ""},                               // Empty string
	}

	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			result := percentEncodeForDataURL(tt.input)
			if result != tt.expected {
				t.Errorf("percentEncodeForDataURL(%q) = %q, want %q", tt.input, result, tt.expected)
			}
		})
	}
}

func TestRenderSOPHTML(t *testing.T) {
	data := TemplateData{
		Title:       "Forklift Daily Inspection",
		Description: "Pre-shift inspection routine",
		Category:    "Warehouse",
		Status:      "published",
		Version:     3,
		Author:      "Jordan Smith",
		UpdatedAt:   time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC),
		Steps: []TemplateStep{
			{
				Number:       1,
				Title:        "Check tires",
				Instructions: TextToHTML("Inspect for visible damage."),
				SafetyNotes:  "Engage the parking brake first",
				Verification: "No cuts or bulges present",
			},
			{
				Number:       2,
				Title:        "Test horn",
				Instructions: TextToHTML("Press the horn button."),
				Role:         "Operator",
			},
		},
	}

	html, err := RenderSOPHTML(data)
	if err != nil {
		t.Fatalf("RenderSOPHTML() error = %v", err)
	}

	if !strings.Contains(html, "Forklift Daily Inspection") {
		t.Error("HTML missing title")
	}
	if !strings.Contains(html, "Pre-shift inspection routine") {
		t.Error("HTML missing description")
	}
	if !strings.Contains(html, "Step 1: Check tires") {
		t.Error("HTML missing first step heading")
	}
	if !strings.Contains(html, "Step 2: Test horn") {
		t.Error("HTML missing second step heading")
	}
	if !strings.Contains(html, "Engage the parking brake first") {
		t.Error("HTML missing safety notes")
	}
	if !strings.Contains(html, "No cuts or bulges present") {
		t.Error("HTML missing verification")
	}
	if !strings.Contains(html, "Operator") {
		t.Error("HTML missing step role")
	}

	// Instruction HTML must be rendered raw, not escaped.
	if strings.Contains(html, "&lt;p&gt;") {
		t.Error("instruction content was escaped - should render as HTML")
	}
	if !strings.Contains(html, "<p>Inspect for visible damage.</p>") {
		t.Error("instruction content should contain unescaped <p> tags")
	}
}
