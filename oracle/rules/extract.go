package rules

import (
	"encoding/json"

	"github.com/PaesslerAG/jsonpath"
	"github.com/tidwall/gjson"

	oerrors "github.com/R3E-Network/oracle-trust-engine/infrastructure/errors"
)

// ExtractPath evaluates a full JSONPath expression (e.g. "$.commits[*].
// message") against a rule's evidence context, for rules whose evidence
// locus isn't a single flat key.
func ExtractPath(evidenceJSON []byte, path string) (interface{}, error) {
	var document interface{}
	if err := json.Unmarshal(evidenceJSON, &document); err != nil {
		return nil, oerrors.Wrap(oerrors.KindStoreError, "evidence context is not valid JSON", err)
	}
	value, err := jsonpath.Get(path, document)
	if err != nil {
		return nil, oerrors.Wrap(oerrors.KindNotFound, "jsonpath lookup failed", err).WithDetails("path", path)
	}
	return value, nil
}

// ExtractValue is the cheaper single-value lookup for rules that only
// need a dotted-path scalar, avoiding the json.Unmarshal ExtractPath
// pays for full tree evaluation.
func ExtractValue(evidenceJSON []byte, path string) gjson.Result {
	return gjson.GetBytes(evidenceJSON, path)
}
