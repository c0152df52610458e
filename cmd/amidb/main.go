// Command amidb is a small driver over the engine package: it creates
// a table, inserts a few rows, scans and updates them, then prints a
// metrics snapshot. It takes no SQL text — see spec.md §1, which places
// tokenization, parsing, and a REPL out of scope for this core.
package main

import (
	"flag"
	"fmt"
	"os"

	"github.com/tendai-ng/amidb/catalog"
	"github.com/tendai-ng/amidb/engine"
	"github.com/tendai-ng/amidb/internal/logger"
	"github.com/tendai-ng/amidb/row"
)

func main() {
	path := flag.String("db", "amidb.db", "path to the database file")
	flag.Parse()

	log := logger.New(logger.Config{Pretty: true})

	e, err := engine.Open(*path, engine.Options{Log: log})
	if err != nil {
		fmt.Fprintln(os.Stderr, "open:", err)
		os.Exit(1)
	}
	defer e.Close()

	if err := run(e); err != nil {
		fmt.Fprintln(os.Stderr, "run:", err)
		os.Exit(1)
	}
}

func run(e *engine.Engine) error {
	if err := e.Begin(); err != nil {
		return err
	}

	err := e.CreateTable("people", []catalog.ColumnDef{
		{Name: "id", Type: row.TypeInteger, PrimaryKey: true, NotNull: true},
		{Name: "name", Type: row.TypeText, NotNull: true},
		{Name: "bio", Type: row.TypeBlob},
	}, 0)
	if err != nil {
		e.Abort()
		return err
	}

	for i, name := range []string{"ada", "grace", "linus"} {
		_, err := e.Insert("people", []row.Value{
			row.IntValue(int32(i + 1)),
			row.TextValue(name),
			row.NullValue(),
		})
		if err != nil {
			e.Abort()
			return err
		}
	}

	if err := e.Commit(); err != nil {
		return err
	}

	fmt.Println("scan:")
	err = e.Scan("people", func(key int32, r *row.Row) error {
		name, _ := r.GetValue(1)
		fmt.Printf("  %d -> %s\n", key, name.Text)
		return nil
	})
	if err != nil {
		return err
	}

	if err := e.Begin(); err != nil {
		return err
	}
	if err := e.Update("people", 2, []row.Value{
		row.IntValue(2),
		row.TextValue("grace hopper"),
		row.NullValue(),
	}); err != nil {
		e.Abort()
		return err
	}
	if err := e.Commit(); err != nil {
		return err
	}

	mfs, err := e.Metrics().Gatherer().Gather()
	if err != nil {
		return err
	}
	fmt.Println("metrics:")
	for _, mf := range mfs {
		fmt.Println(mf.String())
	}
	return nil
}
