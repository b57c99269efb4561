package dispatch_test

import (
	"math/big"
	"net/url"
	"strings"
	"testing"

	"github.com/atdiar/restfuncs/dispatch"
	"github.com/atdiar/restfuncs/registry"
)

type bookService struct{}

func (s *bookService) GetBook(name, authorFilter string) []string {
	return []string{name, authorFilter}
}

func (s *bookService) GetNum(n float64) float64 { return n }

func (s *bookService) GetBigInt(n *big.Int) *big.Int { return n }

func exposeGetBook(t *testing.T) *registry.Method {
	t.Helper()
	svc := &bookService{}
	c, err := registry.Register("bookService", svc)
	if err != nil {
		t.Fatal(err)
	}
	registry.Expose(c, svc, "GetBook", registry.MethodOptions{IsSafe: true, ParamNames: []string{"name", "authorFilter"}})
	m, _ := c.Method("GetBook")
	return m
}

func values(vs []string) map[string][]string {
	m := map[string][]string{}
	for i := 0; i+1 < len(vs); i += 2 {
		m[vs[i]] = append(m[vs[i]], vs[i+1])
	}
	return m
}

// Scenario 1: GET /api/getBook?name=a&authorFilter=b -> ["a","b"]
func TestScenario1NamedQuery(t *testing.T) {
	m := exposeGetBook(t)
	req := dispatch.Request{Query: values([]string{"name", "a", "authorFilter", "b"}), Method: "GET"}
	args, err := dispatch.Bind(m, req)
	if err != nil {
		t.Fatal(err)
	}
	got := m.Invoke(args)[0].Interface().([]string)
	if got[0] != "a" || got[1] != "b" {
		t.Fatalf("got %v", got)
	}
}

// Scenario 1 continued: /api/getBook?a,b -> ["a","b"]
func TestScenario1BareCommaQuery(t *testing.T) {
	m := exposeGetBook(t)
	q, _ := url.ParseQuery("a,b")
	req := dispatch.Request{Query: map[string][]string(q), Method: "GET"}
	args, err := dispatch.Bind(m, req)
	if err != nil {
		t.Fatal(err)
	}
	got := m.Invoke(args)[0].Interface().([]string)
	if got[0] != "a" || got[1] != "b" {
		t.Fatalf("got %v", got)
	}
}

// Scenario 1 continued: /api/getBook/a?authorFilter=b -> ["a","b"]
func TestScenario1PathPlusQuery(t *testing.T) {
	m := exposeGetBook(t)
	req := dispatch.Request{PathArgs: []string{"a"}, Query: values([]string{"authorFilter", "b"}), Method: "GET"}
	args, err := dispatch.Bind(m, req)
	if err != nil {
		t.Fatal(err)
	}
	got := m.Invoke(args)[0].Interface().([]string)
	if got[0] != "a" || got[1] != "b" {
		t.Fatalf("got %v", got)
	}
}

// Scenario 2: POST body '{"name":"a"}' -> ["a", null]
func TestScenario2JSONBodyPartialObject(t *testing.T) {
	m := exposeGetBook(t)
	req := dispatch.Request{Body: strings.NewReader(`{"name":"a"}`), ContentType: "application/json", Method: "POST"}
	args, err := dispatch.Bind(m, req)
	if err != nil {
		t.Fatal(err)
	}
	got := m.Invoke(args)[0].Interface().([]string)
	if got[0] != "a" || got[1] != "" {
		t.Fatalf("got %v", got)
	}
}

// Scenario 2 continued: form-urlencoded name=a&authorFilter=b -> ["a","b"]
func TestScenario2FormURLEncoded(t *testing.T) {
	m := exposeGetBook(t)
	req := dispatch.Request{Body: strings.NewReader("name=a&authorFilter=b"), ContentType: "application/x-www-form-urlencoded", Method: "POST"}
	args, err := dispatch.Bind(m, req)
	if err != nil {
		t.Fatal(err)
	}
	got := m.Invoke(args)[0].Interface().([]string)
	if got[0] != "a" || got[1] != "b" {
		t.Fatalf("got %v", got)
	}
}

// Scenario 3: GET /api/getNum/-12345.67 -> -12345.67
func TestScenario3NegativeFloatPathArg(t *testing.T) {
	svc := &bookService{}
	c, _ := registry.Register("bookService", svc)
	registry.Expose(c, svc, "GetNum", registry.MethodOptions{IsSafe: true, ParamNames: []string{"n"}})
	m, _ := c.Method("GetNum")

	req := dispatch.Request{PathArgs: []string{"-12345.67"}, Method: "GET"}
	args, err := dispatch.Bind(m, req)
	if err != nil {
		t.Fatal(err)
	}
	got := m.Invoke(args)[0].Interface().(float64)
	if got != -12345.67 {
		t.Fatalf("got %v", got)
	}
}

// Scenario 3 continued: GET /api/getBigInt/9007199254740992 -> bigint 9007199254740992
// Path/query segments for a *big.Int parameter are decimal strings parsed
// the same way the wire codec parses a tagged bigint value; round-trip
// coverage for the codec itself lives in wire_test.go.
func TestScenario3BigIntPathArg(t *testing.T) {
	svc := &bookService{}
	c, _ := registry.Register("bookService", svc)
	registry.Expose(c, svc, "GetBigInt", registry.MethodOptions{IsSafe: true, ParamNames: []string{"n"}})
	m, _ := c.Method("GetBigInt")

	req := dispatch.Request{PathArgs: []string{"9007199254740992"}, Method: "GET"}
	args, err := dispatch.Bind(m, req)
	if err != nil {
		t.Fatal(err)
	}
	got := m.Invoke(args)[0].Interface().(*big.Int)
	want, _ := new(big.Int).SetString("9007199254740992", 10)
	if got.Cmp(want) != 0 {
		t.Fatalf("got %s, want %s", got.String(), want.String())
	}
}

func TestDuplicateNamedAcrossQueryAndBodyIsHardError(t *testing.T) {
	m := exposeGetBook(t)
	req := dispatch.Request{
		Query:       values([]string{"name", "a"}),
		Body:        strings.NewReader(`{"name":"b"}`),
		ContentType: "application/json",
		Method:      "POST",
	}
	_, err := dispatch.Bind(m, req)
	if err == nil {
		t.Fatal("expected an error for name bound in both query and body")
	}
}

func TestUnknownNamedParameterRejectedWithoutTrimArguments(t *testing.T) {
	m := exposeGetBook(t)
	req := dispatch.Request{Query: values([]string{"bogus", "x"}), Method: "GET"}
	_, err := dispatch.Bind(m, req)
	if err == nil {
		t.Fatal("expected an error for an unknown named parameter")
	}
}

func TestUnknownNamedParameterSilentlyDroppedWithTrimArguments(t *testing.T) {
	svc := &bookService{}
	c, _ := registry.Register("bookService", svc)
	registry.Expose(c, svc, "GetBook", registry.MethodOptions{TrimArguments: true, ParamNames: []string{"name", "authorFilter"}})
	m, _ := c.Method("GetBook")

	req := dispatch.Request{Query: values([]string{"name", "a", "bogus", "x"}), Method: "GET"}
	args, err := dispatch.Bind(m, req)
	if err != nil {
		t.Fatal(err)
	}
	got := m.Invoke(args)[0].Interface().([]string)
	if got[0] != "a" {
		t.Fatalf("got %v", got)
	}
}

func TestRecognizableBareJSONBodyBindsAsOneArgument(t *testing.T) {
	m := exposeGetBook(t)
	req := dispatch.Request{Body: strings.NewReader(`"a"`), ContentType: "application/json", Method: "POST"}
	_, err := dispatch.Bind(m, req)
	if err != nil {
		t.Fatalf("a bare JSON string is a recognizable shape and should bind as one positional argument, got error: %v", err)
	}
}
