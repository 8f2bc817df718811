package httpapi

import (
	"encoding/json"
	"fmt"
	"io"
	"mime"
	"net/http"
	"strings"
)

const maxMultipartMemory = 32 << 20

// extractTitles reads raw titles from a multipart upload (file part or titles
// field), a text/plain body or a JSON body of the form {"titles": [...]}.
// Blank lines are dropped; unsupported content types yield no titles.
func extractTitles(r *http.Request) ([]string, error) {
	mediaType, _, err := mime.ParseMediaType(r.Header.Get("Content-Type"))
	if err != nil {
		return nil, nil
	}

	switch mediaType {
	case "multipart/form-data":
		return titlesFromForm(r)
	case "text/plain":
		body, err := io.ReadAll(r.Body)
		if err != nil {
			return nil, fmt.Errorf("read body: %w", err)
		}
		return splitLines(string(body)), nil
	case "application/json":
		var payload struct {
			Titles []any `json:"titles"`
		}
		if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
			return nil, nil
		}
		return stringify(payload.Titles), nil
	default:
		return nil, nil
	}
}

func titlesFromForm(r *http.Request) ([]string, error) {
	if err := r.ParseMultipartForm(maxMultipartMemory); err != nil {
		return nil, fmt.Errorf("parse form: %w", err)
	}

	if file, _, err := r.FormFile("file"); err == nil {
		defer file.Close()
		body, err := io.ReadAll(file)
		if err != nil {
			return nil, fmt.Errorf("read file: %w", err)
		}
		return splitLines(string(body)), nil
	}

	field := r.FormValue("titles")
	if field == "" {
		return nil, nil
	}
	var list []any
	if err := json.Unmarshal([]byte(field), &list); err == nil {
		return stringify(list), nil
	}
	return splitLines(field), nil
}

func splitLines(text string) []string {
	var lines []string
	for _, line := range strings.Split(text, "\n") {
		if line = strings.TrimSpace(line); line != "" {
			lines = append(lines, line)
		}
	}
	return lines
}

func stringify(values []any) []string {
	out := make([]string, 0, len(values))
	for _, v := range values {
		if s, ok := v.(string); ok {
			out = append(out, s)
			continue
		}
		out = append(out, fmt.Sprint(v))
	}
	return out
}
