package ytdl

import (
	"fmt"
	"sort"
	"strings"

	"fknsrs.biz/p/ytscribe/internal/stringutil"
)

// renamedOptions maps option names whose command-line flag differs from the
// kebab-case spelling of the option.
var renamedOptions = map[string]string{
	"outtmpl":           "output",
	"cookiefile":        "cookies",
	"ratelimit":         "limit-rate",
	"writesubtitles":    "write-subs",
	"writeautomaticsub": "write-auto-subs",
	"subtitleslangs":    "sub-langs",
}

// managedOptions are set by the client itself and ignored in configuration.
var managedOptions = map[string]bool{
	"download_archive": true,
	"dump_single_json": true,
}

// OptionArgs translates free-form options into yt-dlp flags. Keys are
// processed in sorted order so the result is stable.
func OptionArgs(options map[string]interface{}) ([]string, error) {
	keys := make([]string, 0, len(options))
	for k := range options {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var args []string

	for _, k := range keys {
		if managedOptions[k] {
			continue
		}

		name, ok := renamedOptions[k]
		if !ok {
			name = stringutil.SnakeToKebab(k)
		}
		flag := "--" + name

		a, err := optionValueArgs(flag, options[k])
		if err != nil {
			return nil, fmt.Errorf("ytdl.OptionArgs: option %q: %w", k, err)
		}

		args = append(args, a...)
	}

	return args, nil
}

func optionValueArgs(flag string, v interface{}) ([]string, error) {
	switch e := v.(type) {
	case nil:
		return nil, nil
	case bool:
		if e {
			return []string{flag}, nil
		}
		return nil, nil
	case string:
		if flag == "--skip-download" {
			if stringutil.LooksTrue(e) {
				return []string{flag}, nil
			}
			return nil, nil
		}
		return []string{flag, e}, nil
	case int, int64, float64:
		return []string{flag, fmt.Sprintf("%v", e)}, nil
	case []interface{}:
		var out []string
		for _, el := range e {
			a, err := optionValueArgs(flag, el)
			if err != nil {
				return nil, err
			}
			out = append(out, a...)
		}
		return out, nil
	case []string:
		var out []string
		for _, el := range e {
			out = append(out, flag, el)
		}
		return out, nil
	case map[string]interface{}:
		keys := make([]string, 0, len(e))
		for k := range e {
			keys = append(keys, k)
		}
		sort.Strings(keys)

		var out []string
		for _, k := range keys {
			s, ok := e[k].(string)
			if !ok {
				return nil, fmt.Errorf("value for %q must be a string; was %T", k, e[k])
			}
			if k == "default" {
				out = append(out, flag, s)
			} else {
				out = append(out, flag, strings.TrimSpace(k)+":"+s)
			}
		}
		return out, nil
	default:
		return nil, fmt.Errorf("unsupported value type %T", v)
	}
}
