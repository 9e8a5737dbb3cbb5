package services

import (
	"encoding/base64"
	"net/http"
	"strings"

	"github.com/google/uuid"

	"github.com/iota-uz/governance/pkg/serrors"
)

// FilterOp is a comparison operator of the discovery filter language.
type FilterOp string

const (
	OpEquals     FilterOp = "eq"
	OpStartsWith FilterOp = "sw"
	OpEndsWith   FilterOp = "ew"
	OpContains   FilterOp = "co"
)

// FilterCondition matches organizations that own at least one attribute of
// the given type whose value satisfies the operator.
type FilterCondition struct {
	Type  string
	Op    FilterOp
	Value string
}

// ParseFilter parses expressions of the form
// "emailDomain eq example.com and emailDomain sw ex". Conditions are joined
// with "and"; or-expressions and grouping are not supported.
func ParseFilter(filter string) ([]FilterCondition, error) {
	filter = strings.TrimSpace(filter)
	if filter == "" {
		return nil, nil
	}
	tokens := strings.Fields(filter)
	var conds []FilterCondition
	for i := 0; i < len(tokens); {
		if len(conds) > 0 {
			if !strings.EqualFold(tokens[i], "and") {
				return nil, errInvalidFilter("expected 'and' between conditions")
			}
			i++
		}
		if i+3 > len(tokens) {
			return nil, errInvalidFilter("incomplete condition")
		}
		op := FilterOp(strings.ToLower(tokens[i+1]))
		switch op {
		case OpEquals, OpStartsWith, OpEndsWith, OpContains:
		default:
			return nil, errInvalidFilter("unsupported operator " + tokens[i+1])
		}
		conds = append(conds, FilterCondition{Type: tokens[i], Op: op, Value: tokens[i+2]})
		i += 3
	}
	return conds, nil
}

func errInvalidFilter(msg string) error {
	return serrors.New(http.StatusBadRequest, "DISCOVERY_INVALID_FILTER", "invalid filter: "+msg)
}

// Pagination is cursor-based: results are ordered by organization id and the
// cursors are opaque encodings of the boundary id.
type Pagination struct {
	After  string
	Before string
	Limit  int
}

func encodeCursor(id uuid.UUID) string {
	return base64.URLEncoding.EncodeToString([]byte(id.String()))
}

func decodeCursor(cursor string) (uuid.UUID, error) {
	raw, err := base64.URLEncoding.DecodeString(cursor)
	if err != nil {
		return uuid.Nil, serrors.Wrap(http.StatusBadRequest, "DISCOVERY_INVALID_CURSOR", "malformed pagination cursor", err)
	}
	id, err := uuid.Parse(string(raw))
	if err != nil {
		return uuid.Nil, serrors.Wrap(http.StatusBadRequest, "DISCOVERY_INVALID_CURSOR", "malformed pagination cursor", err)
	}
	return id, nil
}
