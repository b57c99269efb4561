// Package dispatch implements HttpDispatcher (spec.md §4.4): resolving a
// method name and positional/named arguments out of an inbound HTTP
// request's path, query and body, coercing them to the registered
// method's declared parameter types, and writing back the result in the
// right content type.
//
// It is grounded on xhttp's multiplexer.go pattern matching (longest-prefix
// route lookup generalized here into method-name-as-path-segment lookup),
// and on handlers/chunkedupload's multipart.Reader walk for the
// multipart/form-data branch; handlers/sse informs the byte-stream
// result-piping path and handlers/compression the response-encoding
// concern (left to an outer Handler in this package's caller, same
// division of labour the teacher used between gzip.go and the handler
// proper).
package dispatch

import (
	"encoding/json"
	"io"
	"math"
	"math/big"
	"mime"
	"mime/multipart"
	"net/http"
	"reflect"
	"strconv"
	"strings"
	"time"

	"github.com/atdiar/errors"
	"github.com/atdiar/restfuncs/errcode"
	"github.com/atdiar/restfuncs/registry"
	"github.com/atdiar/restfuncs/wire"
)

// metaParams are stripped from every channel before argument binding
// (spec.md §4.4 "Meta parameters").
var metaParams = map[string]bool{
	"csrfProtectionMode": true,
	"corsReadToken":      true,
	"csrfToken":          true,
}

// Request is the subset of an inbound call dispatch needs, already
// stripped of the leading base path and method name: PathArgs are the
// remaining path segments, Query is the parsed query string, and Body/
// ContentType describe the request body.
type Request struct {
	PathArgs    []string
	Query       map[string][]string
	Body        io.Reader
	ContentType string
	Method      string
	Multipart   *multipart.Reader
}

// FromHTTP builds a Request from a live *http.Request, given the already
// resolved method name's position in the path (everything after it is
// PathArgs).
func FromHTTP(r *http.Request, pathArgs []string) (Request, error) {
	raw := r.Header.Get("Content-Type")
	ct, params, err := mime.ParseMediaType(raw)
	if err != nil {
		ct = raw
		if i := strings.IndexByte(ct, ';'); i >= 0 {
			ct = strings.TrimSpace(ct[:i])
		}
	}
	req := Request{
		PathArgs:    pathArgs,
		Query:       map[string][]string(r.URL.Query()),
		Body:        r.Body,
		ContentType: ct,
		Method:      r.Method,
	}
	if strings.HasPrefix(ct, "multipart/") {
		boundary, ok := params["boundary"]
		if !ok {
			return req, errcode.Wrap(errcode.ArgumentShape, errors.New("multipart/form-data request is missing a boundary"))
		}
		req.Multipart = multipart.NewReader(r.Body, boundary)
	}
	return req, nil
}

// namedSource tracks which channel (query or body) a named argument came
// from, so duplicate-across-channel detection (spec.md §4.4 "Argument
// merging order") can name the offending parameter.
type namedSource struct {
	value  any
	origin string
}

// Bind resolves req's path/query/body into a slice of reflect.Value ready
// to pass to m.Invoke, following the merging order: path (positional),
// then query, then body. It returns an ArgumentShape error
// (errcode.ArgumentShape) on any violation.
func Bind(m *registry.Method, req Request) ([]reflect.Value, error) {
	named := map[string]namedSource{}
	positional := make([]any, 0, len(req.PathArgs))

	for _, seg := range req.PathArgs {
		positional = append(positional, seg)
	}

	for k, vs := range req.Query {
		if metaParams[k] {
			continue
		}
		if len(vs) == 0 {
			continue
		}
		if len(req.Query) == 1 && vs[0] == "" && strings.Contains(k, ",") {
			for _, v := range strings.Split(k, ",") {
				positional = append(positional, v)
			}
			continue
		}
		named[k] = namedSource{value: vs[0], origin: "query"}
	}

	bodyPositional, bodyNamed, err := bindBody(m, req)
	if err != nil {
		return nil, err
	}
	positional = append(positional, bodyPositional...)
	for k, v := range bodyNamed {
		if _, exists := named[k]; exists {
			return nil, errcode.Wrap(errcode.ArgumentShape,
				errors.New("Cannot set "+k+" through named parameter: already bound from "+named[k].origin))
		}
		named[k] = namedSource{value: v, origin: "body"}
	}

	return coerce(m, positional, named)
}

// BindArgs resolves already-decoded positional/named values — e.g. a
// socket methodCall envelope's native JSON args, which arrive pre-parsed
// with no HTTP channel-merging to do — against m's declared parameters.
// It is the non-HTTP entry point into the same coercion rules Bind uses.
func BindArgs(m *registry.Method, positional []any, named map[string]any) ([]reflect.Value, error) {
	ns := make(map[string]namedSource, len(named))
	for k, v := range named {
		ns[k] = namedSource{value: v, origin: "args"}
	}
	return coerce(m, positional, ns)
}

// bindBody parses req.Body according to its content type, returning any
// positional arguments (JSON array, bare JSON scalar) and any named
// arguments (JSON object, form-urlencoded, multipart).
func bindBody(m *registry.Method, req Request) ([]any, map[string]any, error) {
	if req.Body == nil {
		return nil, nil, nil
	}
	switch req.ContentType {
	case "", "application/octet-stream":
		data, err := io.ReadAll(req.Body)
		if err != nil {
			return nil, nil, errcode.Wrap(errcode.ArgumentShape, errors.New("failed to read request body").Wraps(err))
		}
		if len(data) == 0 {
			return nil, nil, nil
		}
		if req.ContentType == "" {
			return nil, nil, errcode.Wrap(errcode.ArgumentShape,
				errors.New("a request body without a Content-Type is ambiguous; declare text/plain, application/json or application/octet-stream"))
		}
		return []any{data}, nil, nil

	case "text/plain":
		data, err := io.ReadAll(req.Body)
		if err != nil {
			return nil, nil, errcode.Wrap(errcode.ArgumentShape, errors.New("failed to read request body").Wraps(err))
		}
		return []any{string(data)}, nil, nil

	case "application/json":
		data, err := io.ReadAll(req.Body)
		if err != nil {
			return nil, nil, errcode.Wrap(errcode.ArgumentShape, errors.New("failed to read request body").Wraps(err))
		}
		if len(data) == 0 {
			return nil, nil, nil
		}
		val, err := wire.DecodeValue(data)
		if err != nil {
			return nil, nil, errcode.Wrap(errcode.ArgumentShape, errors.New("malformed JSON body").Wraps(err))
		}
		switch t := val.(type) {
		case []any:
			return t, nil, nil
		case map[string]any:
			return nil, t, nil
		default:
			if wire.IsAmbiguousJSONValue(val) {
				return nil, nil, errcode.Wrap(errcode.ArgumentShape,
					errors.New("a bare JSON body must have a recognizable JSON shape to become a single argument"))
			}
			return []any{val}, nil, nil
		}

	case "application/x-www-form-urlencoded":
		data, err := io.ReadAll(req.Body)
		if err != nil {
			return nil, nil, errcode.Wrap(errcode.ArgumentShape, errors.New("failed to read request body").Wraps(err))
		}
		values, err := parseFormURLEncoded(string(data))
		if err != nil {
			return nil, nil, errcode.Wrap(errcode.ArgumentShape, err)
		}
		out := map[string]any{}
		for k, v := range values {
			if metaParams[k] {
				continue
			}
			out[k] = v
		}
		return nil, out, nil

	default:
		if strings.HasPrefix(req.ContentType, "multipart/") {
			if !m.Class().HasByteStream() {
				return nil, nil, errcode.Wrap(errcode.ArgumentShape,
					errors.New("multipart/form-data is only accepted by methods with a byte-stream parameter"))
			}
			if req.Multipart == nil {
				return nil, nil, errcode.Wrap(errcode.ArgumentShape, errors.New("multipart/form-data request is missing a boundary"))
			}
			namedVals, err := BindMultipartReader(m, req.Multipart)
			if err != nil {
				return nil, nil, err
			}
			return nil, namedVals, nil
		}
		return nil, nil, errcode.Wrap(errcode.ArgumentShape, errors.New("unsupported content type: "+req.ContentType))
	}
}

func parseFormURLEncoded(raw string) (map[string]string, error) {
	out := map[string]string{}
	if raw == "" {
		return out, nil
	}
	for _, pair := range strings.Split(raw, "&") {
		if pair == "" {
			continue
		}
		kv := strings.SplitN(pair, "=", 2)
		k, err := urlQueryUnescape(kv[0])
		if err != nil {
			return nil, errors.New("malformed form-urlencoded key").Wraps(err)
		}
		v := ""
		if len(kv) == 2 {
			v, err = urlQueryUnescape(kv[1])
			if err != nil {
				return nil, errors.New("malformed form-urlencoded value").Wraps(err)
			}
		}
		out[k] = v
	}
	return out, nil
}

func urlQueryUnescape(s string) (string, error) {
	s = strings.ReplaceAll(s, "+", " ")
	return unescapePercent(s)
}

func unescapePercent(s string) (string, error) {
	var b strings.Builder
	for i := 0; i < len(s); i++ {
		if s[i] == '%' && i+2 < len(s) {
			n, err := strconv.ParseUint(s[i+1:i+3], 16, 8)
			if err != nil {
				return "", err
			}
			b.WriteByte(byte(n))
			i += 2
			continue
		}
		b.WriteByte(s[i])
	}
	return b.String(), nil
}

// StreamPart is a multipart file part delivered to a byte-stream
// parameter; it embeds io.Reader so the method may pull-read it lazily
// rather than having it buffered whole (spec.md §4.7 "multipart body
// parsing", §5 "a multipart part to be pull-read by the user method").
type StreamPart struct {
	io.Reader
	Filename string
}

var streamPartType = reflect.TypeOf(StreamPart{})

func init() {
	registry.RegisterStreamType(streamPartType)
}

// BindMultipartReader is the multipart entry point used by callers that
// already parsed the Content-Type boundary (dispatch's HTTP handler does;
// this split exists so bindBody's unit tests don't need a live *http.Request).
func BindMultipartReader(m *registry.Method, mr *multipart.Reader) (map[string]any, error) {
	out := map[string]any{}
	paramsByName := map[string]registry.Param{}
	for _, p := range m.Params {
		if p.Name != "" {
			paramsByName[p.Name] = p
		}
	}
	for {
		part, err := mr.NextPart()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, errcode.Wrap(errcode.ArgumentShape, errors.New("malformed multipart body").Wraps(err))
		}
		name := part.FormName()
		if metaParams[name] {
			part.Close()
			continue
		}
		p, known := paramsByName[name]
		if part.FileName() != "" {
			if known && p.IsByteStream {
				out[name] = StreamPart{Reader: part, Filename: part.FileName()}
				continue
			}
			data, err := io.ReadAll(part)
			part.Close()
			if err != nil {
				return nil, errcode.Wrap(errcode.ArgumentShape, errors.New("failed reading multipart file part").Wraps(err))
			}
			out[name] = data
			continue
		}
		data, err := io.ReadAll(part)
		part.Close()
		if err != nil {
			return nil, errcode.Wrap(errcode.ArgumentShape, errors.New("failed reading multipart field").Wraps(err))
		}
		out[name] = string(data)
	}
	return out, nil
}

// coerce merges positional and named arguments against m's declared
// parameter list, coercing each value to its target type, and fails on
// unknown named keys unless the method opted into TrimArguments.
func coerce(m *registry.Method, positional []any, named map[string]namedSource) ([]reflect.Value, error) {
	out := make([]reflect.Value, len(m.Params))
	filled := make([]bool, len(m.Params))

	for i, v := range positional {
		if i >= len(m.Params) {
			return nil, errcode.Wrap(errcode.ArgumentShape, errors.New("too many positional arguments"))
		}
		cv, err := coerceValue(v, m.Params[i].Type)
		if err != nil {
			return nil, errcode.Wrap(errcode.ArgumentShape, errors.New("argument "+strconv.Itoa(i)+": "+err.Error()))
		}
		out[i] = cv
		filled[i] = true
	}

	byName := map[string]int{}
	for i, p := range m.Params {
		if p.Name != "" {
			byName[p.Name] = i
		}
	}

	for k, src := range named {
		idx, ok := byName[k]
		if !ok {
			if m.Options.TrimArguments {
				continue
			}
			return nil, errcode.Wrap(errcode.ArgumentShape, errors.New("unknown named parameter: "+k))
		}
		if filled[idx] {
			return nil, errcode.Wrap(errcode.ArgumentShape,
				errors.New("Cannot set "+k+" through named parameter: already bound positionally"))
		}
		cv, err := coerceValue(src.value, m.Params[idx].Type)
		if err != nil {
			return nil, errcode.Wrap(errcode.ArgumentShape, errors.New("argument "+k+": "+err.Error()))
		}
		out[idx] = cv
		filled[idx] = true
	}

	for i, p := range m.Params {
		if !filled[i] {
			out[i] = reflect.Zero(p.Type)
		}
	}
	return out, nil
}

// coerceValue converts a loosely-typed value (typically a string from
// path/query, or an already-native value from JSON) into target.
func coerceValue(v any, target reflect.Type) (reflect.Value, error) {
	if v == nil {
		return reflect.Zero(target), nil
	}
	rv := reflect.ValueOf(v)
	if rv.Type().AssignableTo(target) {
		return rv, nil
	}
	if rv.Type().ConvertibleTo(target) && target.Kind() != reflect.Struct {
		switch target.Kind() {
		case reflect.String, reflect.Float64, reflect.Float32,
			reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64,
			reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64,
			reflect.Bool:
			if rv.Kind() == reflect.String && target.Kind() != reflect.String {
				return coerceString(v.(string), target)
			}
			return rv.Convert(target), nil
		}
	}
	if s, ok := v.(string); ok {
		return coerceString(s, target)
	}
	return reflect.Value{}, errors.New("cannot coerce " + rv.Type().String() + " to " + target.String())
}

func coerceString(s string, target reflect.Type) (reflect.Value, error) {
	if s == "" {
		return reflect.Zero(target), nil
	}
	switch target.Kind() {
	case reflect.String:
		return reflect.ValueOf(s).Convert(target), nil
	case reflect.Bool:
		switch s {
		case "true":
			return reflect.ValueOf(true), nil
		case "false":
			return reflect.ValueOf(false), nil
		}
		return reflect.Value{}, errors.New("not a boolean: " + s)
	case reflect.Float64, reflect.Float32:
		f, err := parseNumeric(s)
		if err != nil {
			return reflect.Value{}, err
		}
		return reflect.ValueOf(f).Convert(target), nil
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		f, err := parseNumeric(s)
		if err != nil {
			return reflect.Value{}, err
		}
		return reflect.ValueOf(int64(f)).Convert(target), nil
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		f, err := parseNumeric(s)
		if err != nil {
			return reflect.Value{}, err
		}
		return reflect.ValueOf(uint64(f)).Convert(target), nil
	case reflect.Ptr:
		if target == reflect.TypeOf((*big.Int)(nil)) {
			bi, ok := new(big.Int).SetString(s, 10)
			if !ok {
				return reflect.Value{}, errors.New("not a valid bigint: " + s)
			}
			return reflect.ValueOf(bi), nil
		}
	case reflect.Struct:
		if target == reflect.TypeOf(time.Time{}) {
			t, err := time.Parse(time.RFC3339, s)
			if err != nil {
				return reflect.Value{}, errors.New("not an ISO-8601 date: " + s).Wraps(err)
			}
			return reflect.ValueOf(t), nil
		}
	}
	return reflect.Value{}, errors.New("unsupported target type " + target.String() + " for value " + s)
}

// parseNumeric implements spec.md §4.4's "integer/float/NaN/±Infinity/0x-
// prefixed parse" coercion rule for query/path string values.
func parseNumeric(s string) (float64, error) {
	switch s {
	case "NaN":
		return math.NaN(), nil
	case "Infinity", "+Infinity":
		return math.Inf(1), nil
	case "-Infinity":
		return math.Inf(-1), nil
	}
	if strings.HasPrefix(s, "0x") || strings.HasPrefix(s, "0X") {
		n, err := strconv.ParseInt(s[2:], 16, 64)
		if err != nil {
			return 0, errors.New("not a valid 0x-prefixed integer: " + s).Wraps(err)
		}
		return float64(n), nil
	}
	f, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0, errors.New("not a valid number: " + s).Wraps(err)
	}
	return f, nil
}

// WriteResult writes a successful method result to w, honoring the
// method's declared content type when one was explicitly set
// (spec.md §4.4 "Result handling").
func WriteResult(w http.ResponseWriter, result any, explicitContentType string) error {
	switch explicitContentType {
	case "":
		w.Header().Set("Content-Type", "application/json; charset=utf-8")
		w.WriteHeader(http.StatusOK)
		data, err := wire.Marshal(result)
		if err != nil {
			return err
		}
		_, err = w.Write(data)
		return err
	case "text/html":
		s, ok := result.(string)
		if !ok {
			return errcode.Wrap(errcode.MethodError, errors.New("a method returning text/html must return a string"))
		}
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		w.WriteHeader(http.StatusOK)
		_, err := io.WriteString(w, s)
		return err
	case "application/octet-stream":
		buf, ok := result.([]byte)
		if !ok {
			return errcode.Wrap(errcode.MethodError, errors.New("a method returning application/octet-stream must return []byte"))
		}
		w.Header().Set("Content-Type", explicitContentType)
		w.WriteHeader(http.StatusOK)
		_, err := w.Write(buf)
		return err
	default:
		w.Header().Set("Content-Type", explicitContentType)
		w.WriteHeader(http.StatusOK)
		if s, ok := result.(string); ok {
			_, err := io.WriteString(w, s)
			return err
		}
		return json.NewEncoder(w).Encode(result)
	}
}

// WriteStream pipes a byte-stream result to w. A mid-stream error is
// appended in-band (best-effort) since headers are already flushed;
// spec.md §4.4 "errors raised mid-stream are appended in-band
// (best-effort) for text types".
func WriteStream(w http.ResponseWriter, r io.Reader, contentType string) error {
	if contentType == "" {
		contentType = "application/octet-stream"
	}
	w.Header().Set("Content-Type", contentType)
	w.WriteHeader(http.StatusOK)
	flusher, canFlush := w.(http.Flusher)
	buf := make([]byte, 32*1024)
	for {
		n, err := r.Read(buf)
		if n > 0 {
			if _, werr := w.Write(buf[:n]); werr != nil {
				return werr
			}
			if canFlush {
				flusher.Flush()
			}
		}
		if err == io.EOF {
			return nil
		}
		if err != nil {
			if strings.HasPrefix(contentType, "text/") {
				io.WriteString(w, "\n[Error] "+err.Error())
				return nil
			}
			return err
		}
	}
}
