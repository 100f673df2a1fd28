package skills

import (
	"context"
	"sync"
	"testing"
	"testing/fstest"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/capsule/internal/eventbus"
	"github.com/roach88/capsule/internal/ir"
)

const lifecycleScript = `
function on_install() db.insert("audit", {message = "install"}) end
function on_activate() db.insert("audit", {message = "activate"}) end
function on_deactivate() db.insert("audit", {message = "deactivate"}) end
`

func TestManager_Lifecycle(t *testing.T) {
	ctx := context.Background()
	m, c, bus := newTestManager(t)

	var (
		mu      sync.Mutex
		actions []string
	)
	bus.Subscribe(eventbus.Wildcard, func(_ context.Context, action string, _ any) {
		if action == eventbus.ActionCapsuleChange {
			return
		}
		mu.Lock()
		actions = append(actions, action)
		mu.Unlock()
	})

	_, err := m.LoadMod(scriptedMod("life", lifecycleScript))
	require.NoError(t, err)
	state, ok := m.State("life")
	require.True(t, ok)
	assert.Equal(t, StateLoaded, state)
	assert.Empty(t, auditMessages(t, c), "loading must not run scripts")

	require.NoError(t, m.ActivateMod(ctx, "life"))
	_, ok = m.Sandbox("life")
	assert.True(t, ok)

	require.NoError(t, m.DeactivateMod(ctx, "life"))
	_, ok = m.Sandbox("life")
	assert.False(t, ok)

	require.NoError(t, m.ActivateMod(ctx, "life"))
	require.NoError(t, m.UnloadMod(ctx, "life"))
	_, ok = m.State("life")
	assert.False(t, ok)

	assert.Equal(t, []string{"install", "activate", "deactivate", "activate", "deactivate"}, auditMessages(t, c))
	assert.Equal(t, []string{
		eventbus.ActionModLoaded,
		eventbus.ActionModActivated,
		eventbus.ActionModDeactivated,
		eventbus.ActionModActivated,
		eventbus.ActionModDeactivated,
		eventbus.ActionModUnloaded,
	}, actions)
}

func TestManager_InstallRunsOncePerLifetime(t *testing.T) {
	ctx := context.Background()
	m, c, _ := newTestManager(t)

	_, err := m.LoadMod(scriptedMod("once", lifecycleScript))
	require.NoError(t, err)
	require.NoError(t, m.ActivateMod(ctx, "once"))
	require.NoError(t, m.UnloadMod(ctx, "once"))

	_, err = m.LoadMod(scriptedMod("once", lifecycleScript))
	require.NoError(t, err)
	require.NoError(t, m.ActivateMod(ctx, "once"))

	installs := 0
	for _, msg := range auditMessages(t, c) {
		if msg == "install" {
			installs++
		}
	}
	assert.Equal(t, 1, installs)

	_, found, err := c.Meta(ctx, installedKeyPrefix+"once")
	require.NoError(t, err)
	assert.True(t, found)
}

func TestManager_IllegalTransitions(t *testing.T) {
	ctx := context.Background()
	m, _, _ := newTestManager(t)

	err := m.ActivateMod(ctx, "ghost")
	assert.True(t, ir.IsNotFound(err), "got %v", err)

	_, err = m.LoadMod(scriptedMod("mod", ""))
	require.NoError(t, err)

	err = m.DeactivateMod(ctx, "mod")
	assert.True(t, ir.IsState(err), "got %v", err)

	require.NoError(t, m.ActivateMod(ctx, "mod"))
	err = m.ActivateMod(ctx, "mod")
	assert.True(t, ir.IsState(err), "got %v", err)

	_, err = m.LoadMod(scriptedMod("mod", ""))
	assert.True(t, ir.IsValidation(err), "duplicate id: got %v", err)
}

func TestManager_ScriptLoadFailureKeepsModLoaded(t *testing.T) {
	ctx := context.Background()
	m, _, _ := newTestManager(t)

	_, err := m.LoadMod(scriptedMod("broken", "function oops("))
	require.NoError(t, err)

	err = m.ActivateMod(ctx, "broken")
	require.Error(t, err)
	assert.True(t, ir.IsScript(err), "got %v", err)

	state, _ := m.State("broken")
	assert.Equal(t, StateLoaded, state)
}

func TestManager_HookErrorDoesNotFailActivation(t *testing.T) {
	ctx := context.Background()
	m, c, _ := newTestManager(t)

	_, err := m.LoadMod(scriptedMod("grumpy", `
function on_install() error("install exploded") end
function on_activate() db.insert("audit", {message = "still active"}) end
`))
	require.NoError(t, err)
	require.NoError(t, m.ActivateMod(ctx, "grumpy"))

	state, _ := m.State("grumpy")
	assert.Equal(t, StateActive, state)
	assert.Equal(t, []string{"still active"}, auditMessages(t, c))
}

func TestManager_WithoutScriptingPermission(t *testing.T) {
	ctx := context.Background()
	m, c, _ := newTestManager(t)

	_, err := m.LoadMod(fstest.MapFS{
		"manifest.yaml": {Data: []byte(`
id: schema-only
name: Schema only
version: 2.0.0
tables:
  - name: tags
    columns:
      - {name: label, type: TEXT}
`)},
		"scripts/main.lua": {Data: []byte(lifecycleScript)},
	})
	require.NoError(t, err)
	require.NoError(t, m.ActivateMod(ctx, "schema-only"))

	_, ok := m.Sandbox("schema-only")
	assert.False(t, ok)
	assert.Empty(t, auditMessages(t, c))

	tables, err := c.Tables(ctx)
	require.NoError(t, err)
	assert.Contains(t, tables, "tags")

	assert.Equal(t, []Info{{ID: "schema-only", Name: "Schema only", Version: "2.0.0", State: StateActive}}, m.List())
}

func TestManager_TablePermission(t *testing.T) {
	ctx := context.Background()
	m, c, _ := newTestManager(t)

	_, err := m.LoadMod(fstest.MapFS{
		"manifest.yaml": {Data: []byte(`
id: scoped
name: Scoped
version: 1.0.0
permissions:
  scripting: true
  tables: [audit]
tables:
  - name: secrets
    columns:
      - {name: value, type: TEXT}
`)},
		"scripts/main.lua": {Data: []byte(`
function try_secret()
  local ok, err = pcall(db.insert, "secrets", {value = "x"})
  db.insert("audit", {message = ok and "wrote" or "denied"})
end
`)},
	})
	require.NoError(t, err)
	require.NoError(t, m.ActivateMod(ctx, "scoped"))

	sb, ok := m.Sandbox("scoped")
	require.True(t, ok)
	_, err = sb.CallFunction(ctx, "try_secret")
	require.NoError(t, err)
	assert.Equal(t, []string{"denied"}, auditMessages(t, c))
}

func TestManager_TriggerDataChangeIsolatesFailures(t *testing.T) {
	ctx := context.Background()
	m, c, _ := newTestManager(t)

	_, err := m.LoadMod(scriptedMod("first", `function on_data_changed() error("nope") end`))
	require.NoError(t, err)
	_, err = m.LoadMod(scriptedMod("second", `
function on_data_changed(tbl, op, row)
  db.insert("audit", {message = tbl .. ":" .. op .. ":" .. row.title})
end
`))
	require.NoError(t, err)
	_, err = m.LoadMod(scriptedMod("idle", ""))
	require.NoError(t, err)
	for _, id := range []string{"first", "second", "idle"} {
		require.NoError(t, m.ActivateMod(ctx, id))
	}

	m.TriggerDataChange(ctx, "notes", ir.OpInsert, ir.Row{"id": int64(1), "title": "hello"})

	assert.Equal(t, []string{"notes:INSERT:hello"}, auditMessages(t, c))
}

func TestManager_BeforeSaveChainsInLoadOrder(t *testing.T) {
	ctx := context.Background()
	m, _, _ := newTestManager(t)

	_, err := m.LoadMod(scriptedMod("trim", `
function before_save(tbl, data)
  data.title = data.title:gsub("^%s+", ""):gsub("%s+$", "")
  return data
end
`))
	require.NoError(t, err)
	_, err = m.LoadMod(scriptedMod("upper", `
function before_save(tbl, data)
  data.title = string.upper(data.title)
  data.stamped = tbl
  return data
end
`))
	require.NoError(t, err)
	_, err = m.LoadMod(scriptedMod("noop", `function before_save() end`))
	require.NoError(t, err)
	for _, id := range []string{"trim", "upper", "noop"} {
		require.NoError(t, m.ActivateMod(ctx, id))
	}

	in := ir.Row{"title": "  hi there "}
	out := m.BeforeSave(ctx, "notes", in)

	assert.Equal(t, ir.Row{"title": "HI THERE", "stamped": "notes"}, out)
	assert.Equal(t, ir.Row{"title": "  hi there "}, in, "input must not be mutated")
}

func TestManager_Save(t *testing.T) {
	ctx := context.Background()
	m, c, _ := newTestManager(t)

	require.NoError(t, c.CreateTable(ctx, ir.TableDef{
		Name:    "notes",
		Columns: []ir.ColumnDef{{Name: "title", Type: ir.TypeText}},
	}))
	_, err := m.LoadMod(scriptedMod("saver", `
function before_save(tbl, data)
  data.title = "[" .. data.title .. "]"
  return data
end
function after_save(tbl, row)
  db.insert("audit", {message = "saved " .. row.id .. " " .. row.title})
end
`))
	require.NoError(t, err)
	require.NoError(t, m.ActivateMod(ctx, "saver"))

	id, err := m.Save(ctx, "notes", 0, ir.Row{"title": "a"})
	require.NoError(t, err)
	assert.Equal(t, int64(1), id)

	_, err = m.Save(ctx, "notes", id, ir.Row{"title": "b"})
	require.NoError(t, err)

	row, err := c.Get(ctx, "notes", id)
	require.NoError(t, err)
	assert.Equal(t, "[b]", row["title"])
	assert.Equal(t, []string{"saved 1 [a]", "saved 1 [b]"}, auditMessages(t, c))
}

func TestManager_WatchTablesForwardsChanges(t *testing.T) {
	ctx := context.Background()
	m, c, _ := newTestManager(t)

	require.NoError(t, c.CreateTable(ctx, ir.TableDef{
		Name:    "notes",
		Columns: []ir.ColumnDef{{Name: "title", Type: ir.TypeText}},
		Watch:   true,
	}))
	_, err := m.LoadMod(scriptedMod("observer", `
function on_data_changed(tbl, op, row)
  if tbl == "notes" then
    db.insert("audit", {message = op .. " " .. row.title})
  end
end
`))
	require.NoError(t, err)
	require.NoError(t, m.ActivateMod(ctx, "observer"))
	require.NoError(t, m.WatchTables(ctx, "notes"))

	id, err := c.Insert(ctx, "notes", ir.Row{"title": "x"})
	require.NoError(t, err)
	require.NoError(t, c.Delete(ctx, "notes", id))
	require.NoError(t, c.Flush(ctx))

	assert.Equal(t, []string{"INSERT x", "DELETE x"}, auditMessages(t, c))
}

func TestManager_LoadAllSkipsBrokenMods(t *testing.T) {
	m, _, _ := newTestManager(t)
	root := t.TempDir()
	writeModDir(t, root, "good", "id: good\nname: Good\nversion: 1.0.0\n", nil)
	writeModDir(t, root, "bad", "id: bad\nversion: nope\n", nil)

	ids, err := m.LoadAll(root)
	require.NoError(t, err)
	assert.Equal(t, []string{"good"}, ids)
}

func TestManager_CloseDeactivatesActiveMods(t *testing.T) {
	ctx := context.Background()
	m, c, _ := newTestManager(t)

	_, err := m.LoadMod(scriptedMod("a", lifecycleScript))
	require.NoError(t, err)
	_, err = m.LoadMod(scriptedMod("b", ""))
	require.NoError(t, err)
	require.NoError(t, m.ActivateMod(ctx, "a"))

	require.NoError(t, m.Close(ctx))

	state, _ := m.State("a")
	assert.Equal(t, StateDeactivated, state)
	state, _ = m.State("b")
	assert.Equal(t, StateLoaded, state)
	assert.Equal(t, []string{"install", "activate", "deactivate"}, auditMessages(t, c))
}
