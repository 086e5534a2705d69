// Package apps declares the built-in tool apps. Each app is a docker image
// plus the plugins and resources its action needs; posting to an app route
// enqueues one run against the caller's library.
package apps

import (
	"nendo-server/internal/actions"
)

// App describes one tool exposed under /api/apps/<name>.
type App struct {
	Name          string
	ActionName    string
	Image         string
	Script        string
	Plugins       []string
	GPU           bool
	ExecRun       bool
	ContainerName string
}

// Registry lists the built-in apps.
func Registry() []App {
	return []App{
		{
			Name:       "polymath",
			ActionName: "Polymath",
			Image:      "nendo/polymath",
			Script:     "polymath/polymath.py",
			Plugins:    []string{"nendo_plugin_stemify_demucs", "nendo_plugin_quantize_core", "nendo_plugin_loopify"},
			GPU:        true,
		},
		{
			Name:       "musicanalysis",
			ActionName: "Music Analysis",
			Image:      "nendo/musicanalysis",
			Script:     "musicanalysis/analysis.py",
			Plugins:    []string{"nendo_plugin_classify_core"},
			GPU:        true,
		},
		{
			Name:       "musicgen",
			ActionName: "MusicGen",
			Image:      "nendo/musicgen",
			Script:     "musicgen/musicgen.py",
			Plugins:    []string{"nendo_plugin_musicgen"},
			GPU:        true,
		},
		{
			Name:       "musicgentrain",
			ActionName: "MusicGen training",
			Image:      "nendo/musicgentrain",
			Script:     "musicgentrain/musicgentrain.py",
			Plugins:    []string{"nendo_plugin_musicgen", "nendo_plugin_stemify_demucs", "nendo_plugin_classify_core"},
			GPU:        true,
		},
		{
			Name:       "voicegen",
			ActionName: "VoiceGen",
			Image:      "nendo/voicegen",
			Script:     "voicegen/voicegen.py",
			Plugins:    []string{"nendo_plugin_voicegen_styletts2"},
			GPU:        true,
		},
		{
			Name:       "voiceanalysis",
			ActionName: "Voice Analysis",
			Image:      "nendo/voiceanalysis",
			Script:     "voiceanalysis/voiceanalysis.py",
			Plugins:    []string{"nendo_plugin_embed_clap", "nendo_plugin_transcribe_whisper", "nendo_plugin_textgen"},
			GPU:        true,
		},
		{
			Name:       "mashuper",
			ActionName: "Mashuper Generate",
			Image:      "nendo/musicgen",
			Script:     "mashuper/generate.py",
			Plugins:    []string{"nendo_plugin_musicgen", "nendo_plugin_loopify"},
			GPU:        true,
		},
		{
			Name:       "webimport",
			ActionName: "Web Import",
			Image:      "nendo/webimport",
			Script:     "webimport/webimport.py",
			Plugins:    []string{"nendo_plugin_import_core"},
		},
		{
			Name:          "getpage",
			ActionName:    "Get Page",
			ExecRun:       true,
			ContainerName: "nendo-getpage",
			Script:        "getpage/getpage.py",
		},
	}
}

// Request builds the enqueue request for one run of the app.
func (a App) Request(targetID string, params map[string]interface{}) actions.CreateRequest {
	return actions.CreateRequest{
		ActionName:    a.ActionName,
		Image:         a.Image,
		ScriptPath:    a.Script,
		Plugins:       a.Plugins,
		GPU:           a.GPU,
		ExecRun:       a.ExecRun,
		ContainerName: a.ContainerName,
		TargetID:      targetID,
		Parameters:    params,
	}
}
