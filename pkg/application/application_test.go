package application

import (
	"embed"
	"net/http"
	"testing"

	"github.com/gorilla/mux"
	"github.com/stretchr/testify/require"
)

type stubController struct{ key string }

func (c stubController) Key() string { return c.key }

func (c stubController) Register(r *mux.Router) {
	r.HandleFunc(c.key, func(http.ResponseWriter, *http.Request) {})
}

type english struct{}

func (english) Greet() string { return "hello" }

func TestControllersAreOrderedByKey(t *testing.T) {
	app := New(&ApplicationOptions{})
	app.RegisterControllers(stubController{"/b"}, stubController{"/a"}, stubController{"/b"})

	keys := make([]string, 0)
	for _, c := range app.Controllers() {
		keys = append(keys, c.Key())
	}
	require.Equal(t, []string{"/a", "/b"}, keys)
}

func TestServiceRegistry(t *testing.T) {
	app := New(&ApplicationOptions{})
	app.RegisterServices(&english{})

	got := app.Service(english{}).(*english)
	require.Equal(t, "hello", got.Greet())
	require.Panics(t, func() { app.Service(stubController{}) })
}

func TestMigrationsRequireDSN(t *testing.T) {
	app := New(&ApplicationOptions{})
	var fsys embed.FS
	app.Migrations().RegisterSchema("approvals", &fsys, ".")
	require.ErrorIs(t, app.Migrations().Run(), ErrNoMigrationDSN)
	require.Equal(t, "goose_db_version_approvals", VersionTable("approvals"))
}
