package graph

import (
	"sort"
	"strings"
	"time"

	"od-database/internal/models"
)

// Directory is a non-root directory on the way to a file. Paths are relative
// to the website root and end with "/"; the root itself is "".
type Directory struct {
	Path   string
	Parent string
	Name   string
}

// DirectoriesOf returns every directory leading to files, parents before
// children.
func DirectoriesOf(files []models.FileEntry) []Directory {
	seen := make(map[string]struct{})
	var out []Directory
	for _, f := range files {
		p := f.Path
		for p != "" {
			if _, ok := seen[p]; ok {
				break
			}
			seen[p] = struct{}{}
			trimmed := strings.TrimSuffix(p, "/")
			parent, name := "", trimmed
			if i := strings.LastIndex(trimmed, "/"); i >= 0 {
				parent, name = trimmed[:i+1], trimmed[i+1:]
			}
			out = append(out, Directory{Path: p, Parent: parent, Name: name})
			p = parent
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if len(out[i].Path) != len(out[j].Path) {
			return len(out[i].Path) < len(out[j].Path)
		}
		return out[i].Path < out[j].Path
	})
	return out
}

// BatchStatements returns the statements merging batch into the tree:
// website and root, then directories, then files.
func BatchStatements(batch models.FileBatch) []Statement {
	return []Statement{
		WebsiteStatement(batch),
		DirectoryStatement(batch.WebsiteID, DirectoriesOf(batch.Files)),
		FileStatement(batch.WebsiteID, batch.Files),
	}
}

// WebsiteStatement merges the website and its root directory (path "").
// An empty WebsiteURL keeps the stored url.
func WebsiteStatement(batch models.FileBatch) Statement {
	query := "MERGE (w:Website {id: $website_id}) " +
		"SET w.url = coalesce($url, w.url), w.last_run = $run_id " +
		"MERGE (root:Directory {website_id: $website_id, path: ''}) " +
		"MERGE (w)-[:CONTAINS]->(root)"
	var url any
	if batch.WebsiteURL != "" {
		url = batch.WebsiteURL
	}
	return Statement{Query: query, Params: map[string]any{
		"website_id": int64(batch.WebsiteID),
		"url":        url,
		"run_id":     batch.RunID,
	}}
}

func DirectoryStatement(websiteID uint, dirs []Directory) Statement {
	rows := make([]map[string]any, 0, len(dirs))
	for _, d := range dirs {
		rows = append(rows, map[string]any{"path": d.Path, "parent": d.Parent, "name": d.Name})
	}
	query := "UNWIND $dirs AS d " +
		"MERGE (parent:Directory {website_id: $website_id, path: d.parent}) " +
		"MERGE (child:Directory {website_id: $website_id, path: d.path}) " +
		"SET child.name = d.name " +
		"MERGE (parent)-[:CONTAINS]->(child)"
	return Statement{Query: query, Params: map[string]any{
		"website_id": int64(websiteID),
		"dirs":       rows,
	}}
}

// FileStatement merges files keyed by their document id, so replayed
// batches update nodes in place.
func FileStatement(websiteID uint, files []models.FileEntry) Statement {
	rows := make([]map[string]any, 0, len(files))
	for _, f := range files {
		f.WebsiteID = websiteID
		row := map[string]any{
			"id":   f.DocumentID(),
			"path": f.Path,
			"name": f.Name,
			"ext":  f.Ext,
			"size": f.Size,
		}
		if f.MTime != nil {
			row["mtime"] = f.MTime.UTC().Format(time.RFC3339)
		}
		rows = append(rows, row)
	}
	query := "UNWIND $files AS f " +
		"MERGE (dir:Directory {website_id: $website_id, path: f.path}) " +
		"MERGE (file:File {id: f.id}) " +
		"SET file.name = f.name, file.ext = f.ext, file.size = f.size, file.mtime = f.mtime " +
		"MERGE (dir)-[:CONTAINS]->(file)"
	return Statement{Query: query, Params: map[string]any{
		"website_id": int64(websiteID),
		"files":      rows,
	}}
}
