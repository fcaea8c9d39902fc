// Command entmap-demo is a small project tracker built on entmap. It shows
// declarative mapping, generated statements, audit stamps, scoped updates
// and transaction scopes against a SQLite database file.
package main

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/alecthomas/kong"
	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"github.com/gandaldf/entmap"
)

// Update scopes of the project mapping: close touches the status column
// only, rename the name column only.
const (
	scopeStatus = 1
	scopeName   = 2
)

type task struct {
	ID    int64
	Ref   uuid.UUID
	Title string
	Done  bool
}

type project struct {
	ID        int64
	Name      string
	Status    string
	CreatedAt time.Time
	CreatedBy string
	UpdatedAt time.Time
	Tasks     []task
}

func taskDecls() []entmap.Decl[task] {
	return []entmap.Decl[task]{
		entmap.AutoKey("tasks", "id", "ID",
			func(e *task) int64 { return e.ID },
			func(e *task, v int64) { e.ID = v },
			entmap.Parent("project_id")),
		entmap.UUID("ref", "Ref", entmap.Read|entmap.Insert,
			func(e *task) uuid.UUID { return e.Ref },
			func(e *task, v uuid.UUID) { e.Ref = v }),
		entmap.String("title", "Title", entmap.Read|entmap.Insert|entmap.Update,
			func(e *task) string { return e.Title },
			func(e *task, v string) { e.Title = v }),
		entmap.Bool("done", "Done", entmap.Read|entmap.Insert|entmap.Update,
			func(e *task) bool { return e.Done },
			func(e *task, v bool) { e.Done = v }),
	}
}

func projectDecls(tasks *entmap.Mapper[task]) []entmap.Decl[project] {
	return []entmap.Decl[project]{
		entmap.AutoKey("projects", "id", "ID",
			func(e *project) int64 { return e.ID },
			func(e *project, v int64) { e.ID = v }),
		entmap.String("name", "Name", entmap.Read|entmap.Insert|entmap.Update,
			func(e *project) string { return e.Name },
			func(e *project, v string) { e.Name = v },
			entmap.InScope(scopeName)),
		entmap.String("status", "Status", entmap.Read|entmap.Insert|entmap.Update,
			func(e *project) string { return e.Status },
			func(e *project, v string) { e.Status = v },
			entmap.InScope(scopeStatus), entmap.Default("open")),
		entmap.Time("created_at", "CreatedAt", entmap.Read|entmap.Insert,
			func(e *project) time.Time { return e.CreatedAt },
			func(e *project, v time.Time) { e.CreatedAt = v },
			entmap.Audit(entmap.InsertedAt)),
		entmap.String("created_by", "CreatedBy", entmap.Read|entmap.Insert,
			func(e *project) string { return e.CreatedBy },
			func(e *project, v string) { e.CreatedBy = v },
			entmap.Audit(entmap.InsertedBy)),
		entmap.Time("updated_at", "UpdatedAt", entmap.Read|entmap.Insert|entmap.Update,
			func(e *project) time.Time { return e.UpdatedAt },
			func(e *project, v time.Time) { e.UpdatedAt = v },
			entmap.Audit(entmap.UpdatedAt)),
		entmap.Children[project](
			func(ctx context.Context, a *entmap.Agent, e *project, pk any) error {
				loaded, err := entmap.FetchByParent(ctx, a, tasks, pk)
				if err != nil {
					return err
				}
				e.Tasks = e.Tasks[:0]
				for _, t := range loaded {
					e.Tasks = append(e.Tasks, *t)
				}
				return nil
			},
			func(ctx context.Context, a *entmap.Agent, e *project, pk any, userID string, scope *int, flags bool) error {
				// Scoped updates touch the project row only.
				if scope != nil {
					return nil
				}
				if _, err := a.Exec(ctx, "DELETE FROM tasks WHERE (project_id=:project_id)",
					entmap.Param{Name: "project_id", Value: pk}); err != nil {
					return err
				}
				for i := range e.Tasks {
					e.Tasks[i].ID = 0
					if e.Tasks[i].Ref == uuid.Nil {
						e.Tasks[i].Ref = uuid.New()
					}
					if err := entmap.InsertEntity(ctx, a, tasks, &e.Tasks[i], userID,
						entmap.Param{Name: "project_id", Value: pk}); err != nil {
						return err
					}
				}
				return nil
			},
		),
	}
}

// model bundles the handle, the agent and the two mappings every command
// works with.
type model struct {
	db       *sql.DB
	agent    *entmap.Agent
	projects *entmap.Mapper[project]
	tasks    *entmap.Mapper[task]
}

func openModel() (*model, error) {
	db, err := sql.Open("sqlite", CLI.DB)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", CLI.DB, err)
	}
	db.SetMaxOpenConns(1)

	cfg := entmap.Config{}
	if CLI.Verbose {
		cfg.Logger = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
			Level: slog.LevelDebug,
		}))
	}
	m := &model{db: db, agent: entmap.NewAgent(db, entmap.SQLite, cfg)}

	if m.tasks, err = entmap.New(taskDecls()...); err != nil {
		db.Close()
		return nil, err
	}
	if m.projects, err = entmap.New(projectDecls(m.tasks)...); err != nil {
		db.Close()
		return nil, err
	}
	return m, nil
}

func (m *model) close() {
	m.db.Close()
}

// CLI defines the command line of entmap-demo.
var CLI struct {
	DB      string `help:"Database file path." default:"entmap-demo.db" type:"path"`
	User    string `help:"User recorded by the audit stamps." default:"demo"`
	Verbose bool   `short:"v" help:"Log executed statements."`

	Init   InitCmd   `cmd:"" help:"Create the schema."`
	Add    AddCmd    `cmd:"" help:"Add a project with initial tasks."`
	List   ListCmd   `cmd:"" help:"List projects."`
	Show   ShowCmd   `cmd:"" help:"Show a project and its tasks."`
	Rename RenameCmd `cmd:"" help:"Rename a project."`
	Close  CloseCmd  `cmd:"" help:"Close a project."`
	Done   DoneCmd   `cmd:"" help:"Mark a task done."`
	Remove RemoveCmd `cmd:"" help:"Remove a project and its tasks."`
}

// InitCmd creates the schema.
type InitCmd struct{}

func (c *InitCmd) Run() error {
	m, err := openModel()
	if err != nil {
		return err
	}
	defer m.close()

	ctx := context.Background()
	if _, err := m.agent.Exec(ctx, `CREATE TABLE IF NOT EXISTS projects (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		name TEXT NOT NULL,
		status TEXT NOT NULL,
		created_at TIMESTAMP NOT NULL,
		created_by TEXT NOT NULL,
		updated_at TIMESTAMP NOT NULL
	)`); err != nil {
		return fmt.Errorf("create projects: %w", err)
	}
	if _, err := m.agent.Exec(ctx, `CREATE TABLE IF NOT EXISTS tasks (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		project_id INTEGER NOT NULL,
		ref TEXT NOT NULL,
		title TEXT NOT NULL,
		done BOOLEAN NOT NULL
	)`); err != nil {
		return fmt.Errorf("create tasks: %w", err)
	}
	fmt.Printf("Schema ready in %s.\n", CLI.DB)
	return nil
}

// AddCmd inserts a project with its initial tasks in one transaction.
type AddCmd struct {
	Name  string   `arg:"" help:"Project name."`
	Tasks []string `arg:"" optional:"" help:"Initial task titles."`
}

func (c *AddCmd) Run() error {
	m, err := openModel()
	if err != nil {
		return err
	}
	defer m.close()

	e := &project{Name: c.Name}
	for _, title := range c.Tasks {
		e.Tasks = append(e.Tasks, task{Ref: uuid.New(), Title: title})
	}
	err = entmap.RunInTransaction(context.Background(), m.agent, 3, func(ctx context.Context) error {
		return entmap.InsertEntity(ctx, m.agent, m.projects, e, CLI.User)
	})
	if err != nil {
		return err
	}
	fmt.Printf("Added project %d (%s) with %d task(s).\n", e.ID, e.Name, len(e.Tasks))
	return nil
}

// ListCmd prints all projects.
type ListCmd struct{}

func (c *ListCmd) Run() error {
	m, err := openModel()
	if err != nil {
		return err
	}
	defer m.close()

	all, err := entmap.FetchAll(context.Background(), m.agent, m.projects)
	if err != nil {
		return err
	}
	if len(all) == 0 {
		fmt.Println("No projects.")
		return nil
	}
	for _, p := range all {
		fmt.Printf("%4d  %-8s  %-24s  %d task(s)\n", p.ID, p.Status, p.Name, len(p.Tasks))
	}
	return nil
}

// ShowCmd prints one project with its tasks.
type ShowCmd struct {
	ID int64 `arg:"" help:"Project id."`
}

func (c *ShowCmd) Run() error {
	m, err := openModel()
	if err != nil {
		return err
	}
	defer m.close()

	p, err := entmap.Fetch(context.Background(), m.agent, m.projects, c.ID)
	if err != nil {
		return err
	}
	fmt.Printf("Project %d: %s [%s]\n", p.ID, p.Name, p.Status)
	fmt.Printf("  created %s by %s, updated %s\n",
		p.CreatedAt.Format(time.DateTime), p.CreatedBy, p.UpdatedAt.Format(time.DateTime))
	for _, t := range p.Tasks {
		mark := " "
		if t.Done {
			mark = "x"
		}
		fmt.Printf("  [%s] %4d  %s  (%s)\n", mark, t.ID, t.Title, t.Ref)
	}
	return nil
}

// RenameCmd renames a project, updating the name column only.
type RenameCmd struct {
	ID   int64  `arg:"" help:"Project id."`
	Name string `arg:"" help:"New name."`
}

func (c *RenameCmd) Run() error {
	m, err := openModel()
	if err != nil {
		return err
	}
	defer m.close()

	ctx := context.Background()
	p, err := entmap.Fetch(ctx, m.agent, m.projects, c.ID)
	if err != nil {
		return err
	}
	p.Name = c.Name
	scope := scopeName
	if err := entmap.UpdateEntity(ctx, m.agent, m.projects, p, CLI.User, &scope); err != nil {
		return err
	}
	fmt.Printf("Project %d renamed to %s.\n", p.ID, p.Name)
	return nil
}

// CloseCmd marks a project closed, updating the status column only.
type CloseCmd struct {
	ID int64 `arg:"" help:"Project id."`
}

func (c *CloseCmd) Run() error {
	m, err := openModel()
	if err != nil {
		return err
	}
	defer m.close()

	ctx := context.Background()
	p, err := entmap.Fetch(ctx, m.agent, m.projects, c.ID)
	if err != nil {
		return err
	}
	p.Status = "closed"
	scope := scopeStatus
	if err := entmap.UpdateEntity(ctx, m.agent, m.projects, p, CLI.User, &scope); err != nil {
		return err
	}
	fmt.Printf("Project %d closed.\n", p.ID)
	return nil
}

// DoneCmd marks a single task done.
type DoneCmd struct {
	Task int64 `arg:"" help:"Task id."`
}

func (c *DoneCmd) Run() error {
	m, err := openModel()
	if err != nil {
		return err
	}
	defer m.close()

	ctx := context.Background()
	t, err := entmap.Fetch(ctx, m.agent, m.tasks, c.Task)
	if err != nil {
		return err
	}
	t.Done = true
	if err := entmap.UpdateEntity(ctx, m.agent, m.tasks, t, CLI.User, nil); err != nil {
		return err
	}
	fmt.Printf("Task %d done: %s\n", t.ID, t.Title)
	return nil
}

// RemoveCmd deletes a project and its tasks in one transaction.
type RemoveCmd struct {
	ID int64 `arg:"" help:"Project id."`
}

func (c *RemoveCmd) Run() error {
	m, err := openModel()
	if err != nil {
		return err
	}
	defer m.close()

	err = entmap.RunInTransaction(context.Background(), m.agent, 3, func(ctx context.Context) error {
		p, err := entmap.Fetch(ctx, m.agent, m.projects, c.ID)
		if err != nil {
			return err
		}
		if _, err := m.agent.Exec(ctx, "DELETE FROM tasks WHERE (project_id=:project_id)",
			entmap.Param{Name: "project_id", Value: p.ID}); err != nil {
			return err
		}
		return entmap.DeleteEntity(ctx, m.agent, m.projects, p)
	})
	if err != nil {
		return err
	}
	fmt.Printf("Project %d removed.\n", c.ID)
	return nil
}

func main() {
	ctx := kong.Parse(&CLI,
		kong.Name("entmap-demo"),
		kong.Description("Project tracker demonstrating entity mapping over SQLite."),
		kong.UsageOnError(),
		kong.ConfigureHelp(kong.HelpOptions{
			Compact: true,
		}),
	)
	ctx.FatalIfErrorf(ctx.Run())
}
