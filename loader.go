package main

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/spf13/afero"
)

// LoadError covers an unreadable or empty/invalid question bank source.
// Fatal at startup, recoverable on a replacement upload.
type LoadError struct {
	Source string
	Err    error
}

func (e *LoadError) Error() string {
	return fmt.Sprintf("question bank %s: %v", e.Source, e.Err)
}

func (e *LoadError) Unwrap() error {
	return e.Err
}

var errEmptyBank = errors.New("no valid questions found")

// parseBank reads csv rows of (question, answer, points) with a header row
// naming the three columns in any order, and groups them into questions in
// first-seen row order. Malformed rows are skipped with a warning; a bank
// with zero valid questions is an error.
func parseBank(cfg *Config, source string, r io.Reader) ([]Question, error) {
	reader := csv.NewReader(r)
	reader.FieldsPerRecord = -1
	reader.TrimLeadingSpace = true

	header, err := reader.Read()
	if err != nil {
		if errors.Is(err, io.EOF) {
			return nil, &LoadError{Source: source, Err: errEmptyBank}
		}
		return nil, &LoadError{Source: source, Err: err}
	}

	columns := make(map[string]int, len(header))
	for i, name := range header {
		columns[strings.ToLower(strings.TrimSpace(name))] = i
	}

	questionCol, hasQuestion := columns["question"]
	answerCol, hasAnswer := columns["answer"]
	pointsCol, hasPoints := columns["points"]
	if !hasQuestion || !hasAnswer || !hasPoints {
		return nil, &LoadError{
			Source: source,
			Err:    errors.New(`header must name the "question", "answer", and "points" columns`),
		}
	}

	var order []string
	grouped := make(map[string][]Answer)

	line := 1
	for {
		record, err := reader.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		line++
		if err != nil {
			logf(cfg, "BANK: Skipping unparseable row %d in %s: %v", line, source, err)
			continue
		}

		if len(record) <= questionCol || len(record) <= answerCol || len(record) <= pointsCol {
			logf(cfg, "BANK: Skipping row %d in %s: missing fields", line, source)
			continue
		}

		question := strings.TrimSpace(record[questionCol])
		answer := strings.TrimSpace(record[answerCol])
		points, err := strconv.Atoi(strings.TrimSpace(record[pointsCol]))

		switch {
		case question == "" || answer == "":
			logf(cfg, "BANK: Skipping row %d in %s: empty question or answer", line, source)
			continue
		case err != nil:
			logf(cfg, "BANK: Skipping row %d in %s: bad point value %q", line, source, record[pointsCol])
			continue
		case points < 0:
			logf(cfg, "BANK: Skipping row %d in %s: negative point value %d", line, source, points)
			continue
		}

		if _, seen := grouped[question]; !seen {
			order = append(order, question)
		}
		grouped[question] = append(grouped[question], Answer{Text: answer, Points: points})
	}

	if len(order) == 0 {
		return nil, &LoadError{Source: source, Err: errEmptyBank}
	}

	questions := make([]Question, 0, len(order))
	for _, text := range order {
		questions = append(questions, Question{Text: text, Answers: grouped[text]})
	}

	return questions, nil
}

func loadBankFile(cfg *Config, fsys afero.Fs, path string) ([]Question, error) {
	f, err := fsys.Open(path)
	if err != nil {
		return nil, &LoadError{Source: path, Err: err}
	}
	defer f.Close()

	return parseBank(cfg, path, f)
}
