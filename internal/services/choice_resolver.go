package services

import (
	"strconv"
	"strings"

	"github.com/agnivade/levenshtein"

	"github.com/BernardOforiBoateng/chat-mrpt-sub016/internal/models"
)

// Resolution thresholds for the fuzzy tier. A candidate is accepted only if
// it clears fuzzyThreshold and beats the runner-up by fuzzyMargin, so a typo
// near two different options is treated as no match instead of a guess.
const (
	fuzzyThreshold = 0.72
	fuzzyMargin    = 0.1
)

var ordinalWords = map[string]int{
	"first": 1, "second": 2, "third": 3, "fourth": 4, "fifth": 5,
	"sixth": 6, "seventh": 7, "eighth": 8, "ninth": 9, "tenth": 10,
	"1st": 1, "2nd": 2, "3rd": 3, "4th": 4, "5th": 5,
	"6th": 6, "7th": 7, "8th": 8, "9th": 9, "10th": 10,
}

// ResolveChoice maps free-form user text onto one of the presented options.
// Tiers are tried in order and the first match wins: exact, ordinal, fuzzy.
// The function is pure: same options and text always give the same result,
// and nothing is mutated.
func ResolveChoice(options []models.Option, userText string) (*models.Option, error) {
	if len(options) == 0 {
		return nil, models.ErrUnresolved
	}

	text := normalizeChoiceText(userText)
	if text == "" {
		return nil, models.ErrUnresolved
	}

	if opt := matchExact(options, text); opt != nil {
		return opt, nil
	}
	if opt := matchOrdinal(options, text); opt != nil {
		return opt, nil
	}
	if opt := matchFuzzy(options, text); opt != nil {
		return opt, nil
	}
	return nil, models.ErrUnresolved.WithMetadata("input", userText)
}

func normalizeChoiceText(text string) string {
	text = strings.ToLower(strings.TrimSpace(text))
	text = strings.Trim(text, "\"'.,!?;:")
	// "the second one" and "option 2" style wrappers.
	for _, prefix := range []string{"the ", "option ", "choice ", "number "} {
		text = strings.TrimPrefix(text, prefix)
	}
	text = strings.TrimSuffix(text, " one")
	return strings.TrimSpace(text)
}

func matchExact(options []models.Option, text string) *models.Option {
	for i := range options {
		opt := &options[i]
		if strings.EqualFold(opt.CanonicalValue, text) || strings.EqualFold(opt.DisplayLabel, text) {
			return opt
		}
		for _, alias := range opt.Aliases {
			if strings.EqualFold(alias, text) {
				return opt
			}
		}
	}
	return nil
}

func matchOrdinal(options []models.Option, text string) *models.Option {
	position := 0
	if n, err := strconv.Atoi(text); err == nil {
		position = n
	} else if n, ok := ordinalWords[text]; ok {
		position = n
	} else if text == "last" {
		position = len(options)
	}
	if position == 0 {
		return nil
	}

	for i := range options {
		if options[i].OrdinalPosition == position {
			return &options[i]
		}
	}
	return nil
}

func matchFuzzy(options []models.Option, text string) *models.Option {
	var best, runnerUp float64
	var bestOption *models.Option

	for i := range options {
		score := optionSimilarity(&options[i], text)
		if score > best {
			runnerUp = best
			best = score
			bestOption = &options[i]
		} else if score > runnerUp {
			runnerUp = score
		}
	}

	if bestOption == nil || best < fuzzyThreshold || best-runnerUp < fuzzyMargin {
		return nil
	}
	return bestOption
}

func optionSimilarity(opt *models.Option, text string) float64 {
	candidates := make([]string, 0, len(opt.Aliases)+2)
	candidates = append(candidates, opt.CanonicalValue, opt.DisplayLabel)
	candidates = append(candidates, opt.Aliases...)

	var best float64
	for _, candidate := range candidates {
		if score := similarity(strings.ToLower(candidate), text); score > best {
			best = score
		}
	}
	return best
}

// similarity is 1 - normalized edit distance, in [0,1].
func similarity(a, b string) float64 {
	if a == "" || b == "" {
		return 0
	}
	if a == b {
		return 1
	}
	longest := len([]rune(a))
	if l := len([]rune(b)); l > longest {
		longest = l
	}
	distance := levenshtein.ComputeDistance(a, b)
	return 1 - float64(distance)/float64(longest)
}
