package study

import "fmt"

// Indicator describes a script the upstream study engine can run: a built-in,
// a published community script or raw source text. Inputs parameterize the
// script; Plots maps plot slots to readable row keys.
type Indicator struct {
	// ScriptID identifies the script upstream, e.g. "STD;RSI" for built-ins
	// or "PUB;xxxx" for published scripts.
	ScriptID string
	// Version pins the script version. Defaults to "last".
	Version string
	// Text carries inline script source when ScriptID is empty.
	Text string
	// IsStrategy marks scripts that emit strategy reports.
	IsStrategy bool
	// Inputs are the script inputs keyed by input id.
	Inputs map[string]any
	// Plots maps plot ids ("plot_0", ...) to row keys ("RSI", ...).
	Plots map[string]string
}

// SetInput sets a script input, overriding the descriptor default.
func (ind *Indicator) SetInput(key string, value any) {
	if ind.Inputs == nil {
		ind.Inputs = map[string]any{}
	}
	ind.Inputs[key] = value
}

func (ind Indicator) version() string {
	if ind.Version == "" {
		return "last"
	}
	return ind.Version
}

// wireInputs builds the study creation parameter object.
func (ind Indicator) wireInputs() map[string]any {
	params := map[string]any{}
	if ind.Text != "" {
		params["text"] = ind.Text
	} else {
		params["pineId"] = ind.ScriptID
		params["pineVersion"] = ind.version()
	}
	for key, val := range ind.Inputs {
		params[key] = map[string]any{
			"v": val,
			"f": true,
			"t": inputType(val),
		}
	}
	return params
}

func inputType(v any) string {
	switch v.(type) {
	case bool:
		return "bool"
	case string:
		return "text"
	case int, int32, int64:
		return "integer"
	case float32, float64:
		return "float"
	default:
		return "text"
	}
}

// rowKey names the row column for a value slot. Slot 0 is the timestamp and
// never reaches this function.
func (ind Indicator) rowKey(slot int) string {
	id := fmt.Sprintf("plot_%d", slot-1)
	if name, ok := ind.Plots[id]; ok {
		return name
	}
	return id
}

// BuiltIn returns a descriptor for an upstream built-in indicator.
func BuiltIn(name string) Indicator {
	return Indicator{ScriptID: "STD;" + name}
}

// RSI returns the built-in relative strength index study.
func RSI(length int) Indicator {
	ind := BuiltIn("RSI")
	ind.Inputs = map[string]any{"length": length}
	ind.Plots = map[string]string{"plot_0": "RSI"}
	return ind
}

// EMA returns the built-in exponential moving average study.
func EMA(length int) Indicator {
	ind := BuiltIn("EMA")
	ind.Inputs = map[string]any{"length": length}
	ind.Plots = map[string]string{"plot_0": "EMA"}
	return ind
}
