package cache

import (
	"fmt"
	"os"
)

// ContractKind names a declared output-contract check.
type ContractKind string

const (
	// ContractNonNull is the default: output must be non-nil.
	ContractNonNull ContractKind = "non_null"
	// ContractTranscribeOutput requires a non-empty outputs[] array whose
	// entries each name an existing source file and existing, non-empty
	// output files.
	ContractTranscribeOutput ContractKind = "transcribe_output"
)

// ValidateOutput checks output against the named contract kind. An empty
// kind defaults to ContractNonNull.
func ValidateOutput(kind ContractKind, output any) error {
	if kind == "" {
		kind = ContractNonNull
	}
	switch kind {
	case ContractNonNull:
		return validateNonNull(output)
	case ContractTranscribeOutput:
		return validateTranscribeOutput(output)
	default:
		// Unknown declared kinds pass through to non_null, the documented
		// default for contract kinds this package does not recognize.
		return validateNonNull(output)
	}
}

func validateNonNull(output any) error {
	if output == nil {
		return fmt.Errorf("output contract non_null: output is nil")
	}
	return nil
}

func validateTranscribeOutput(output any) error {
	m, ok := output.(map[string]any)
	if !ok {
		return fmt.Errorf("output contract transcribe_output: output is not an object")
	}
	rawOutputs, ok := m["outputs"]
	if !ok {
		return fmt.Errorf("output contract transcribe_output: missing outputs[]")
	}
	outputs, ok := rawOutputs.([]any)
	if !ok || len(outputs) == 0 {
		return fmt.Errorf("output contract transcribe_output: outputs[] must be a non-empty array")
	}

	for i, raw := range outputs {
		entry, ok := raw.(map[string]any)
		if !ok {
			return fmt.Errorf("output contract transcribe_output: outputs[%d] is not an object", i)
		}
		file, _ := entry["file"].(string)
		if file == "" {
			return fmt.Errorf("output contract transcribe_output: outputs[%d] missing file", i)
		}
		if err := mustExistFile(file); err != nil {
			return fmt.Errorf("output contract transcribe_output: outputs[%d] source %s: %w", i, file, err)
		}

		rawPaths, ok := entry["output_paths"]
		if !ok {
			return fmt.Errorf("output contract transcribe_output: outputs[%d] missing output_paths[]", i)
		}
		paths, ok := rawPaths.([]any)
		if !ok || len(paths) == 0 {
			return fmt.Errorf("output contract transcribe_output: outputs[%d] output_paths[] must be non-empty", i)
		}
		for j, rawPath := range paths {
			p, ok := rawPath.(string)
			if !ok || p == "" {
				return fmt.Errorf("output contract transcribe_output: outputs[%d].output_paths[%d] is not a path", i, j)
			}
			if err := mustExistRegularNonEmptyFile(p); err != nil {
				return fmt.Errorf("output contract transcribe_output: outputs[%d].output_paths[%d] %s: %w", i, j, p, err)
			}
		}
	}
	return nil
}

func mustExistFile(path string) error {
	if _, err := os.Stat(path); err != nil {
		return err
	}
	return nil
}

func mustExistRegularNonEmptyFile(path string) error {
	info, err := os.Stat(path)
	if err != nil {
		return err
	}
	if !info.Mode().IsRegular() {
		return fmt.Errorf("not a regular file")
	}
	if info.Size() == 0 {
		return fmt.Errorf("file is empty")
	}
	return nil
}
