package logger

import (
	"fmt"
	"sort"
	"strings"

	"go.uber.org/zap/buffer"
	"go.uber.org/zap/zapcore"
)

const (
	colorReset = "\x1b[0m"
	colorBold  = "\x1b[1m"
)

type palette struct {
	time      string
	component string
	id        string
	number    string
	fg        string
	warn      string
	warnBg    string
	err       string
	errBg     string
}

var palettes = map[string]palette{
	// Gruvbox Dark (warm, muted)
	"gruvbox": {
		time:      "\x1b[38;5;108m",
		component: "\x1b[38;5;208m",
		id:        "\x1b[38;5;109m",
		number:    "\x1b[38;5;175m",
		fg:        "\x1b[38;5;223m",
		warn:      "\x1b[38;5;214m",
		warnBg:    "\x1b[48;5;58m",
		err:       "\x1b[38;5;167m",
		errBg:     "\x1b[48;5;88m",
	},
	// Everforest Dark (forest greens)
	"everforest": {
		time:      "\x1b[38;5;107m",
		component: "\x1b[38;5;108m",
		id:        "\x1b[38;5;109m",
		number:    "\x1b[38;5;108m",
		fg:        "\x1b[38;5;223m",
		warn:      "\x1b[38;5;179m",
		warnBg:    "\x1b[48;5;58m",
		err:       "\x1b[38;5;167m",
		errBg:     "\x1b[48;5;52m",
	},
}

var currentTheme = "everforest"

var bufferPool = buffer.NewPool()

// SetTheme configures the color scheme for console log output.
// Unknown themes are ignored.
func SetTheme(theme string) {
	if _, ok := palettes[theme]; ok {
		currentTheme = theme
	}
}

// idFields are rendered in the id color, numeric-looking fields in the number color.
var idFields = map[string]bool{
	FieldTaskCode:  true,
	FieldSessionID: true,
	FieldPID:       true,
}

// minimalEncoder is a compact console encoder:
//
//	13:04:35  p.listen  ꩜ Spawned worker  task_code=Q2026101513043512 pid=4242
//
// Context fields added with With() are kept in the embedded map encoder and
// rendered after the entry fields. Fields are never dropped.
type minimalEncoder struct {
	*zapcore.MapObjectEncoder
}

func newMinimalEncoder() *minimalEncoder {
	return &minimalEncoder{MapObjectEncoder: zapcore.NewMapObjectEncoder()}
}

func (enc *minimalEncoder) Clone() zapcore.Encoder {
	clone := zapcore.NewMapObjectEncoder()
	for k, v := range enc.Fields {
		clone.Fields[k] = v
	}
	return &minimalEncoder{MapObjectEncoder: clone}
}

func (enc *minimalEncoder) EncodeEntry(ent zapcore.Entry, fields []zapcore.Field) (*buffer.Buffer, error) {
	p := palettes[currentTheme]
	final := bufferPool.Get()

	final.AppendString(p.time)
	final.AppendString(ent.Time.Format("15:04:05"))
	final.AppendString(colorReset)

	if lvl := levelString(ent.Level, p); lvl != "" {
		final.AppendString("  ")
		final.AppendString(lvl)
	}

	if ent.LoggerName != "" {
		final.AppendString("  ")
		final.AppendString(p.component)
		final.AppendString(abbreviateName(ent.LoggerName))
		final.AppendString(colorReset)
	}

	final.AppendString("  ")
	if symbol, ok := enc.Fields[FieldSymbol].(string); ok && symbol != "" {
		final.AppendString(symbol)
		final.AppendString(" ")
	}
	final.AppendString(p.fg)
	final.AppendString(ent.Message)
	final.AppendString(colorReset)

	var pairs []string
	for _, f := range fields {
		if f.Key == FieldSymbol {
			continue
		}
		pairs = append(pairs, renderPair(f.Key, fieldValue(f), p))
	}

	// Context fields are unordered in the map encoder; sort for stable output
	keys := make([]string, 0, len(enc.Fields))
	for k := range enc.Fields {
		if k != FieldSymbol {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	for _, k := range keys {
		pairs = append(pairs, renderPair(k, enc.Fields[k], p))
	}

	if len(pairs) > 0 {
		final.AppendString("  ")
		final.AppendString(strings.Join(pairs, " "))
	}

	if ent.Stack != "" && ent.Level >= zapcore.ErrorLevel {
		final.AppendString("\n")
		final.AppendString(ent.Stack)
	}

	final.AppendString("\n")
	return final, nil
}

func fieldValue(f zapcore.Field) interface{} {
	m := zapcore.NewMapObjectEncoder()
	f.AddTo(m)
	return m.Fields[f.Key]
}

func renderPair(key string, value interface{}, p palette) string {
	color := p.fg
	switch value.(type) {
	case int, int8, int16, int32, int64, uint, uint8, uint16, uint32, uint64, float32, float64:
		color = p.number
	}
	if idFields[key] {
		color = p.id
	}
	return fmt.Sprintf("%s=%s%v%s", key, color, value, colorReset)
}

// levelString returns bold + colored + background for WARN/ERROR, nothing otherwise
func levelString(level zapcore.Level, p palette) string {
	switch level {
	case zapcore.WarnLevel:
		return colorBold + p.warnBg + p.warn + "WARN" + colorReset
	case zapcore.ErrorLevel, zapcore.DPanicLevel, zapcore.PanicLevel, zapcore.FatalLevel:
		return colorBold + p.errBg + p.err + level.CapitalString() + colorReset
	case zapcore.DebugLevel:
		return "DEBUG"
	default:
		return ""
	}
}

// abbreviateName shortens component names: pulse.listen -> p.listen
func abbreviateName(name string) string {
	parts := strings.Split(name, ".")
	if len(parts) > 1 && parts[0] != "" {
		return string(parts[0][0]) + "." + strings.Join(parts[1:], ".")
	}
	return name
}
