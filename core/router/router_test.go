package router

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type stack struct{ name string }

func TestIsStaticPath(t *testing.T) {
	tests := []struct {
		path   string
		static bool
	}{
		{"/", true},
		{"/test", true},
		{"/test/test", true},
		{"/:param", false},
		{"/test/:param/test", false},
		{"/*", false},
		{"/test/*/test", false},
		{`/file/(^\d+).png`, false},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.static, IsStaticPath(tt.path), tt.path)
	}
}

func TestNormalizePath(t *testing.T) {
	assert.Equal(t, "/", NormalizePath("", true))
	assert.Equal(t, "/test", NormalizePath("test", true))
	assert.Equal(t, "/", NormalizePath("/", true))
	assert.Equal(t, "/", NormalizePath("//", true))
	assert.Equal(t, "///", NormalizePath("////", true))
	assert.Equal(t, "/test", NormalizePath("/test/", true))
	assert.Equal(t, "/test/", NormalizePath("/test/", false))
}

func TestJoinPaths(t *testing.T) {
	assert.Equal(t, "/api/v1/users", JoinPaths("/api", "v1/", "/users"))
	assert.Equal(t, "/users", JoinPaths("", "/", "users"))
	assert.Equal(t, "/", JoinPaths("", "/"))
}

func TestStaticRouteReturnsRegisteredStack(t *testing.T) {
	r := New[*stack]()
	s := &stack{"users"}
	r.Add("GET", "/users", s)

	res := r.Find("GET", "/users")
	require.NotNil(t, res)
	assert.Same(t, s, res.Stack)
	assert.Equal(t, "/users", res.Route)
	assert.NotNil(t, res.Params)
	assert.Empty(t, res.Params)

	// served from the static map, the trie holds nothing
	assert.Empty(t, r.root.statics)
	assert.Nil(t, r.Find("POST", "/users"))
}

func TestParamExtraction(t *testing.T) {
	r := New[*stack]()
	s := &stack{"hello"}
	r.Add("GET", "/hello/:name", s)

	res := r.Find("GET", "/hello/world")
	require.NotNil(t, res)
	assert.Equal(t, map[string]string{"name": "world"}, res.Params)
	assert.Equal(t, "/hello/:name", res.Route)
	assert.Same(t, s, res.Stack)

	assert.Nil(t, r.Find("GET", "/hello"))
	assert.Nil(t, r.Find("GET", "/hello/world/again"))
}

func TestMultipleParams(t *testing.T) {
	r := New[*stack]()
	r.Add("GET", "/:param1/:param2/test/:param3", &stack{})

	res := r.Find("GET", "/abc/def/test/ghi")
	require.NotNil(t, res)
	assert.Equal(t, map[string]string{"param1": "abc", "param2": "def", "param3": "ghi"}, res.Params)
}

func TestWildcardCapture(t *testing.T) {
	r := New[*stack]()
	r.Add("GET", "/*", &stack{})

	res := r.Find("GET", "/a/b/c")
	require.NotNil(t, res)
	assert.Equal(t, map[string]string{"*": "a/b/c"}, res.Params)
	assert.Equal(t, "/*", res.Route)

	res = r.Find("GET", "/")
	require.NotNil(t, res)
	assert.Equal(t, "", res.Params["*"])
}

func TestNamedWildcardAndPrefix(t *testing.T) {
	r := New[*stack]()
	r.Add("GET", "/static/*filepath", &stack{"files"})
	r.Add("GET", "/assets/img-*", &stack{"img"})

	res := r.Find("GET", "/static/css/app.css")
	require.NotNil(t, res)
	assert.Equal(t, "css/app.css", res.Params["filepath"])

	res = r.Find("GET", "/assets/img-logo.png")
	require.NotNil(t, res)
	assert.Equal(t, "logo.png", res.Params["*"])
	assert.Nil(t, r.Find("GET", "/assets/logo.png"))
}

func TestTrailingSlash(t *testing.T) {
	t.Run("ignored by default", func(t *testing.T) {
		r := New[*stack]()
		static, dynamic := &stack{"static"}, &stack{"dynamic"}
		r.Add("GET", "/test", static)
		r.Add("GET", "/users/:id/", dynamic)

		a, b := r.Find("GET", "/test"), r.Find("GET", "/test/")
		require.NotNil(t, a)
		require.NotNil(t, b)
		assert.Same(t, a.Stack, b.Stack)

		c, d := r.Find("GET", "/users/1"), r.Find("GET", "/users/1/")
		require.NotNil(t, c)
		require.NotNil(t, d)
		assert.Same(t, dynamic, c.Stack)
		assert.Same(t, dynamic, d.Stack)
	})

	t.Run("strict", func(t *testing.T) {
		r := New[*stack](Config{StrictTrailingSlash: true})
		bare, slashed := &stack{"bare"}, &stack{"slashed"}
		r.Add("GET", "/test", bare)
		r.Add("GET", "/test/", slashed)

		a, b := r.Find("GET", "/test"), r.Find("GET", "/test/")
		require.NotNil(t, a)
		require.NotNil(t, b)
		assert.Same(t, bare, a.Stack)
		assert.Same(t, slashed, b.Stack)

		r.Add("GET", "/users/:id", bare)
		assert.NotNil(t, r.Find("GET", "/users/1"))
		assert.Nil(t, r.Find("GET", "/users/1/"))
	})

	t.Run("static mapping disabled normalizes the same way", func(t *testing.T) {
		r := New[*stack](Config{DisableStaticMapping: true})
		r.Add("GET", "/test/", &stack{})
		assert.NotNil(t, r.Find("GET", "/test"))
		assert.NotNil(t, r.Find("GET", "/test/"))
		assert.Empty(t, r.statics)
	})
}

func TestDuplicateSlashes(t *testing.T) {
	r := New[*stack]()
	r.Add("GET", "/a/b", &stack{})
	r.Add("GET", "/c/:id", &stack{})
	assert.NotNil(t, r.Find("GET", "//a///b"))
	assert.NotNil(t, r.Find("GET", "/c//1"))

	strict := New[*stack](Config{KeepDuplicateSlashes: true})
	strict.Add("GET", "/a/b", &stack{})
	assert.Nil(t, strict.Find("GET", "//a///b"))
}

func TestRegexParams(t *testing.T) {
	r := New[*stack]()
	r.Add("GET", `/time/:hour(^\d{2})h:minute(^\d{2})m`, &stack{})
	r.Add("GET", `/file/:id(^\d+).png`, &stack{})
	r.Add("GET", `/user/:id(^\d+)`, &stack{"numeric"})
	r.Add("GET", `/user/:name`, &stack{"named"})

	res := r.Find("GET", "/time/13h35m")
	require.NotNil(t, res)
	assert.Equal(t, map[string]string{"hour": "13", "minute": "35"}, res.Params)
	assert.Nil(t, r.Find("GET", "/time/1h35m"))

	res = r.Find("GET", "/file/42.png")
	require.NotNil(t, res)
	assert.Equal(t, "42", res.Params["id"])

	res = r.Find("GET", "/user/7")
	require.NotNil(t, res)
	assert.Equal(t, "numeric", res.Stack.name)
	res = r.Find("GET", "/user/bob")
	require.NotNil(t, res)
	assert.Equal(t, "named", res.Stack.name)
	assert.Equal(t, "bob", res.Params["name"])
}

func TestOptionalParam(t *testing.T) {
	r := New[*stack]()
	r.Add("GET", "/posts/:id?", &stack{})

	res := r.Find("GET", "/posts/9")
	require.NotNil(t, res)
	assert.Equal(t, "9", res.Params["id"])

	res = r.Find("GET", "/posts")
	require.NotNil(t, res)
	_, ok := res.Params["id"]
	assert.False(t, ok)
	assert.Equal(t, "/posts/:id?", res.Route)

	assert.Panics(t, func() { r.Add("GET", "/a/:b?/c", &stack{}) })
}

func TestPriority(t *testing.T) {
	r := New[*stack]()
	r.Add("GET", "/user/admin", &stack{"exact"})
	r.Add("GET", "/user/:id", &stack{"param"})
	r.Add("GET", "/user/:id/posts", &stack{"posts"})
	r.Add("GET", "/user/*", &stack{"rest"})

	tests := []struct {
		path string
		want string
	}{
		{"/user/admin", "exact"},
		{"/user/123", "param"},
		{"/user/123/posts", "posts"},
		{"/user/123/likes", "rest"},
	}
	for _, tt := range tests {
		res := r.Find("GET", tt.path)
		require.NotNil(t, res, tt.path)
		assert.Equal(t, tt.want, res.Stack.name, tt.path)
	}
}

func TestBacktracking(t *testing.T) {
	r := New[*stack](Config{DisableStaticMapping: true})
	r.Add("GET", "/a/b/c", &stack{"static"})
	r.Add("GET", "/a/:x/d", &stack{"param"})

	res := r.Find("GET", "/a/b/d")
	require.NotNil(t, res)
	assert.Equal(t, "param", res.Stack.name)
	assert.Equal(t, map[string]string{"x": "b"}, res.Params)
}

func TestMethodAll(t *testing.T) {
	r := New[*stack]()
	r.All("/any", &stack{"all"})
	r.Add("POST", "/any", &stack{"post"})
	r.All("/items/:id", &stack{"items"})

	assert.Equal(t, "all", r.Find("GET", "/any").Stack.name)
	assert.Equal(t, "post", r.Find("POST", "/any").Stack.name)
	assert.Equal(t, "items", r.Find("DELETE", "/items/1").Stack.name)

	assert.True(t, r.Has("PUT", "/any"))
	assert.True(t, r.Has(MethodAll, "/items/:id"))
	assert.False(t, r.Has("GET", "/missing"))
}

func TestHasAndDuplicates(t *testing.T) {
	r := New[*stack]()
	r.Add("GET", "/x", &stack{})
	r.Add("GET", "/y/:id", &stack{})

	assert.True(t, r.Has("GET", "/x"))
	assert.True(t, r.Has("GET", "/x/"))
	assert.False(t, r.Has("POST", "/x"))
	assert.True(t, r.Has("GET", "/y/:id"))

	assert.PanicsWithError(t, "router: duplicate route: GET /x/", func() {
		r.Add("GET", "/x/", &stack{})
	})
}

func TestInvalidPatterns(t *testing.T) {
	for _, path := range []string{"/*/a", "/a/:", `/a/:id(\d+`, "/a/(x)", "/files/*na-me"} {
		r := New[*stack]()
		assert.Panics(t, func() { r.Add("GET", path, &stack{}) }, path)
	}
}

func TestMaxParamLength(t *testing.T) {
	r := New[*stack](Config{MaxParamLength: 3})
	r.Add("GET", "/p/:v", &stack{})
	assert.NotNil(t, r.Find("GET", "/p/abc"))
	assert.Nil(t, r.Find("GET", "/p/abcd"))
}

func TestCaseInsensitive(t *testing.T) {
	r := New[*stack](Config{CaseInsensitive: true})
	r.Add("GET", "/Users", &stack{})
	r.Add("GET", "/Teams/:Name", &stack{})

	assert.NotNil(t, r.Find("GET", "/users"))
	res := r.Find("GET", "/TEAMS/Red")
	require.NotNil(t, res)
	assert.Equal(t, "Red", res.Params["Name"])
}

func BenchmarkRouterStatic(b *testing.B) {
	r := New[*stack]()
	r.Add("GET", "/hello/world", &stack{})

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		r.Find("GET", "/hello/world")
	}
}

func BenchmarkRouterParam(b *testing.B) {
	r := New[*stack]()
	r.Add("GET", "/user/:id", &stack{})

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		r.Find("GET", "/user/123")
	}
}
