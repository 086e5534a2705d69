// Package runner executes queued actions inside Docker containers.
package runner

import (
	"fmt"
	"sort"
	"strconv"
	"time"

	"github.com/google/uuid"
)

// ActionSpec is the job payload describing one container run.
type ActionSpec struct {
	UserID            string            `json:"user_id"`
	Image             string            `json:"image"`
	ScriptPath        string            `json:"script_path"`
	Command           []string          `json:"command"`
	Plugins           []string          `json:"plugins"`
	GPU               bool              `json:"gpu"`
	ContainerName     string            `json:"container_name"`
	ExecRun           bool              `json:"exec_run"`
	ReplacePluginData bool              `json:"replace_plugin_data"`
	Env               map[string]string `json:"env,omitempty"`
	Timeout           time.Duration     `json:"timeout"`
}

// BuildCommand renders the argv for an action script: fixed user and job id
// flags first, then the remaining parameters in sorted order. Booleans
// become bare flags when true, slices expand into repeated values.
func BuildCommand(userID, jobID string, params map[string]interface{}) ([]string, error) {
	argv := []string{"python", "run.py", "--user_id", userID, "--job_id", jobID}

	keys := make([]string, 0, len(params))
	for k := range params {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	for _, key := range keys {
		switch v := params[key].(type) {
		case bool:
			if v {
				argv = append(argv, "--"+key)
			}
		case string:
			argv = append(argv, "--"+key+"="+v)
		case int:
			argv = append(argv, "--"+key+"="+strconv.Itoa(v))
		case int64:
			argv = append(argv, "--"+key+"="+strconv.FormatInt(v, 10))
		case float64:
			argv = append(argv, "--"+key+"="+strconv.FormatFloat(v, 'f', -1, 64))
		case uuid.UUID:
			argv = append(argv, "--"+key+"="+v.String())
		case []string:
			argv = append(argv, "--"+key)
			argv = append(argv, v...)
		case []interface{}:
			argv = append(argv, "--"+key)
			for _, item := range v {
				argv = append(argv, fmt.Sprint(item))
			}
		default:
			return nil, fmt.Errorf("unsupported parameter type: %s (%T)", key, v)
		}
	}
	return argv, nil
}
