package types

import (
	"fmt"
	"math"
	"reflect"
	"strings"
	"time"
)

// maxDumpDepth caps recursion when serialising arbitrary values.
const maxDumpDepth = 10

// SafeDump converts an arbitrary value into a tree of plain maps, slices,
// and scalars that json.Marshal always accepts. Recursion depth is capped
// at a fixed ceiling and reference cycles are broken with an explicit
// visited set, so dumping a diagnostic payload can never hang or fail:
// problem spots collapse into sentinel strings instead.
func SafeDump(v any) any {
	return safeDump(reflect.ValueOf(v), 0, make(map[uintptr]bool))
}

func safeDump(val reflect.Value, depth int, visited map[uintptr]bool) (out any) {
	defer func() {
		if r := recover(); r != nil {
			out = fmt.Sprintf("<dump_error: %s: %v>", typeName(val), r)
		}
	}()

	if !val.IsValid() {
		return nil
	}
	if depth > maxDumpDepth {
		return fmt.Sprintf("<max_depth_exceeded: %s>", typeName(val))
	}

	switch val.Kind() {
	case reflect.Interface:
		if val.IsNil() {
			return nil
		}
		return safeDump(val.Elem(), depth, visited)

	case reflect.Pointer:
		if val.IsNil() {
			return nil
		}
		if err, ok := val.Interface().(error); ok {
			return err.Error()
		}
		addr := val.Pointer()
		if visited[addr] {
			return fmt.Sprintf("<circular_ref: %s>", typeName(val))
		}
		visited[addr] = true
		defer delete(visited, addr)
		return safeDump(val.Elem(), depth, visited)

	case reflect.Map:
		if val.IsNil() {
			return nil
		}
		addr := val.Pointer()
		if visited[addr] {
			return fmt.Sprintf("<circular_ref: %s>", typeName(val))
		}
		visited[addr] = true
		defer delete(visited, addr)
		m := make(map[string]any, val.Len())
		iter := val.MapRange()
		for iter.Next() {
			m[fmt.Sprint(iter.Key().Interface())] = safeDump(iter.Value(), depth+1, visited)
		}
		return m

	case reflect.Slice:
		if val.IsNil() {
			return nil
		}
		// Raw response bodies are text in practice.
		if val.Type().Elem().Kind() == reflect.Uint8 {
			return string(val.Bytes())
		}
		addr := val.Pointer()
		if visited[addr] {
			return fmt.Sprintf("<circular_ref: %s>", typeName(val))
		}
		visited[addr] = true
		defer delete(visited, addr)
		return dumpSequence(val, depth, visited)

	case reflect.Array:
		return dumpSequence(val, depth, visited)

	case reflect.Struct:
		if t, ok := val.Interface().(time.Time); ok {
			return t.Format(time.RFC3339Nano)
		}
		if err, ok := val.Interface().(error); ok {
			return err.Error()
		}
		return dumpStruct(val, depth, visited)

	case reflect.Bool:
		return val.Bool()

	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		return val.Int()

	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64, reflect.Uintptr:
		return val.Uint()

	case reflect.Float32, reflect.Float64:
		f := val.Float()
		// NaN and infinities are not valid JSON numbers.
		if math.IsNaN(f) || math.IsInf(f, 0) {
			return fmt.Sprint(f)
		}
		return f

	case reflect.String:
		return val.String()

	default:
		return fmt.Sprintf("<dump_error: %s: unsupported kind>", typeName(val))
	}
}

func dumpSequence(val reflect.Value, depth int, visited map[uintptr]bool) []any {
	out := make([]any, val.Len())
	for i := 0; i < val.Len(); i++ {
		out[i] = safeDump(val.Index(i), depth+1, visited)
	}
	return out
}

func dumpStruct(val reflect.Value, depth int, visited map[uintptr]bool) map[string]any {
	t := val.Type()
	m := make(map[string]any, t.NumField())
	for i := 0; i < t.NumField(); i++ {
		f := t.Field(i)
		if !f.IsExported() {
			continue
		}
		name := f.Name
		if tag, ok := f.Tag.Lookup("json"); ok {
			tagName, _, _ := strings.Cut(tag, ",")
			if tagName == "-" {
				continue
			}
			if tagName != "" {
				name = tagName
			}
		}
		m[name] = safeDump(val.Field(i), depth+1, visited)
	}
	return m
}

func typeName(val reflect.Value) string {
	if !val.IsValid() {
		return "invalid"
	}
	return val.Type().String()
}
