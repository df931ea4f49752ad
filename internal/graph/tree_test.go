package graph

import (
	"strings"
	"testing"
	"time"

	"od-database/internal/models"
)

func sampleBatch() models.FileBatch {
	mtime := time.Date(2021, 1, 2, 4, 5, 0, 0, time.UTC)
	return models.FileBatch{
		RunID:      "run-1",
		WebsiteID:  7,
		WebsiteURL: "http://a.example/pub/",
		Files: []models.FileEntry{
			{WebsiteID: 7, Path: "", Name: "a.iso", Ext: "iso", Size: 10},
			{WebsiteID: 7, Path: "sub/deeper/", Name: "c.bin", Ext: "bin", Size: 30, MTime: &mtime},
			{WebsiteID: 7, Path: "sub/", Name: "b.txt", Ext: "txt", Size: 20},
		},
	}
}

func TestDirectoriesOfParentsFirst(t *testing.T) {
	dirs := DirectoriesOf(sampleBatch().Files)
	want := []Directory{
		{Path: "sub/", Parent: "", Name: "sub"},
		{Path: "sub/deeper/", Parent: "sub/", Name: "deeper"},
	}
	if len(dirs) != len(want) {
		t.Fatalf("DirectoriesOf = %+v, want %+v", dirs, want)
	}
	for i := range want {
		if dirs[i] != want[i] {
			t.Fatalf("DirectoriesOf = %+v, want %+v", dirs, want)
		}
	}
}

func TestDirectoriesOfRootOnly(t *testing.T) {
	if dirs := DirectoriesOf([]models.FileEntry{{Name: "a.iso"}}); len(dirs) != 0 {
		t.Fatalf("root files need no directories, got %+v", dirs)
	}
}

func TestWebsiteStatement(t *testing.T) {
	site := WebsiteStatement(sampleBatch())
	if !strings.Contains(site.Query, "MERGE (w:Website {id: $website_id})") || site.Params["website_id"] != int64(7) {
		t.Fatalf("unexpected website statement: %+v", site)
	}
	if site.Params["url"] != "http://a.example/pub/" || site.Params["run_id"] != "run-1" {
		t.Fatalf("unexpected website params: %+v", site.Params)
	}
	if nilURL := WebsiteStatement(models.FileBatch{WebsiteID: 1}); nilURL.Params["url"] != nil {
		t.Fatalf("empty url should be passed as null, got %v", nilURL.Params["url"])
	}
}

func TestDirectoryAndFileStatements(t *testing.T) {
	batch := sampleBatch()

	dirs := DirectoryStatement(batch.WebsiteID, DirectoriesOf(batch.Files))
	rows := dirs.Params["dirs"].([]map[string]any)
	if !strings.HasPrefix(dirs.Query, "UNWIND $dirs") || len(rows) != 2 || rows[1]["parent"] != "sub/" {
		t.Fatalf("unexpected directory statement: %s %+v", dirs.Query, rows)
	}

	files := FileStatement(batch.WebsiteID, batch.Files)
	fileRows := files.Params["files"].([]map[string]any)
	if len(fileRows) != 3 || fileRows[1]["id"] != "7:sub/deeper/c.bin" {
		t.Fatalf("unexpected file rows: %+v", fileRows)
	}
	if fileRows[1]["mtime"] != "2021-01-02T04:05:00Z" {
		t.Fatalf("unexpected mtime: %v", fileRows[1]["mtime"])
	}
	if _, ok := fileRows[0]["mtime"]; ok {
		t.Fatal("missing mtime should not be set")
	}
	if !strings.Contains(files.Query, "MERGE (dir)-[:CONTAINS]->(file)") {
		t.Fatalf("unexpected file query: %s", files.Query)
	}
}

func TestBatchStatementsOrder(t *testing.T) {
	stmts := BatchStatements(sampleBatch())
	if len(stmts) != 3 {
		t.Fatalf("expected 3 statements, got %d", len(stmts))
	}
	for i, prefix := range []string{"MERGE (w:Website", "UNWIND $dirs", "UNWIND $files"} {
		if !strings.HasPrefix(stmts[i].Query, prefix) {
			t.Fatalf("statement %d = %q, want prefix %q", i, stmts[i].Query, prefix)
		}
	}
}
