package main

// svnfs-dump streams a repository's revisions the way svnlook's cat/tree/
// log sub-commands do: changed-paths lists, file fulltexts, and revision
// properties, read straight off package repo without touching a
// transaction.

import (
	"fmt"
	"os"
	"strings"

	"github.com/h2non/filetype"
	"github.com/perforce/p4prometheus/version"
	"github.com/sirupsen/logrus"
	"gopkg.in/alecthomas/kingpin.v2"

	"github.com/rcowham/svnfs/dag"
	"github.com/rcowham/svnfs/dirtree"
	"github.com/rcowham/svnfs/repo"
	"github.com/rcowham/svnfs/tree"
)

func main() {
	var (
		app = kingpin.New("svnfs-dump", "Stream a repository's revisions, files, and trees.")
		debug = app.Flag("debug", "Enable debug logging.").Bool()

		changesCmd = app.Command("changes", "Print the changed-paths list for a revision range.")
		changesPath = changesCmd.Arg("path", "Repository path.").Required().String()
		changesFrom = changesCmd.Flag("from", "First revision.").Default("0").Int64()
		changesTo   = changesCmd.Flag("to", "Last revision (default: youngest).").Int64()

		catCmd  = app.Command("cat", "Print a file's fulltext at a revision.")
		catPath = catCmd.Arg("path", "Repository path.").Required().String()
		catRev  = catCmd.Arg("rev", "Revision number.").Required().Int64()
		catFile = catCmd.Arg("file", "Path within the repository.").Required().String()
		catForce = catCmd.Flag("force-binary", "Print even if the content looks binary.").Bool()

		treeCmd     = app.Command("tree", "Recursively list a directory's entries at a revision.")
		treePath    = treeCmd.Arg("path", "Repository path.").Required().String()
		treeRev     = treeCmd.Arg("rev", "Revision number.").Required().Int64()
		treeSubpath = treeCmd.Arg("subpath", "Directory within the repository (default: root).").Default("/").String()

		logCmd  = app.Command("log", "Print svn:log/svn:author/svn:date for a revision range.")
		logPath = logCmd.Arg("path", "Repository path.").Required().String()
		logFrom = logCmd.Flag("from", "First revision.").Default("0").Int64()
		logTo   = logCmd.Flag("to", "Last revision (default: youngest).").Int64()
	)

	app.UsageTemplate(kingpin.CompactUsageTemplate).Version(version.Print("svnfs-dump")).Author("svnfs")
	app.HelpFlag.Short('h')
	cmd := kingpin.MustParse(app.Parse(os.Args[1:]))

	logger := logrus.New()
	logger.Level = logrus.InfoLevel
	if *debug {
		logger.Level = logrus.DebugLevel
	}
	logger.Infof("%v", version.Print("svnfs-dump"))

	switch cmd {
	case changesCmd.FullCommand():
		runChanges(logger, *changesPath, *changesFrom, *changesTo)
	case catCmd.FullCommand():
		runCat(logger, *catPath, *catRev, *catFile, *catForce)
	case treeCmd.FullCommand():
		runTree(logger, *treePath, *treeRev, *treeSubpath)
	case logCmd.FullCommand():
		runLog(logger, *logPath, *logFrom, *logTo)
	default:
		logger.Errorf("unknown command %q", cmd)
		os.Exit(1)
	}
}

func openRepo(logger *logrus.Logger, path string) *repo.Fs {
	fs, err := repo.Open(path, logger)
	if err != nil {
		logger.Errorf("opening %s: %v", path, err)
		os.Exit(2)
	}
	return fs
}

func resolveTo(fs *repo.Fs, logger *logrus.Logger, to int64) int64 {
	if to != 0 {
		return to
	}
	youngest, err := fs.YoungestRev()
	if err != nil {
		logger.Errorf("reading youngest revision: %v", err)
		os.Exit(2)
	}
	return youngest
}

func runChanges(logger *logrus.Logger, path string, from, to int64) {
	fs := openRepo(logger, path)
	defer fs.Close()
	to = resolveTo(fs, logger, to)

	for rev := from; rev <= to; rev++ {
		records, err := fs.PathsChanged(rev)
		if err != nil {
			logger.Errorf("reading changed paths for r%d: %v", rev, err)
			os.Exit(2)
		}
		fmt.Printf("r%d:\n", rev)
		for _, rec := range records {
			line := fmt.Sprintf("  %-8s %s", rec.Action, rec.Path)
			if rec.CopyFrom != nil {
				line += fmt.Sprintf(" (from %s@%d)", rec.CopyFrom.Path, rec.CopyFrom.Rev)
			}
			fmt.Println(line)
		}
	}
}

func runCat(logger *logrus.Logger, path string, rev int64, file string, forceBinary bool) {
	fs := openRepo(logger, path)
	defer fs.Close()
	root, err := fs.RevisionRoot(rev)
	if err != nil {
		logger.Errorf("resolving r%d: %v", rev, err)
		os.Exit(2)
	}
	data, err := fs.ReadFile(root, file)
	if err != nil {
		logger.Errorf("reading %s@%d: %v", file, rev, err)
		os.Exit(2)
	}
	if !forceBinary {
		if kind, err := filetype.Match(data); err == nil && kind != filetype.Unknown {
			logger.Errorf("%s@%d looks like %s content; pass --force-binary to dump it anyway", file, rev, kind.MIME.Value)
			os.Exit(2)
		}
	}
	os.Stdout.Write(data)
}

func runTree(logger *logrus.Logger, path string, rev int64, subpath string) {
	fs := openRepo(logger, path)
	defer fs.Close()
	root, err := fs.RevisionRoot(rev)
	if err != nil {
		logger.Errorf("resolving r%d: %v", rev, err)
		os.Exit(2)
	}
	pp, err := tree.Resolve(fs, root, subpath, false, nil)
	if err != nil {
		logger.Errorf("resolving %s@%d: %v", subpath, rev, err)
		os.Exit(2)
	}
	if err := walkTree(fs, pp.Node, strings.TrimRight(subpath, "/"), 0); err != nil {
		logger.Errorf("walking %s@%d: %v", subpath, rev, err)
		os.Exit(2)
	}
}

func walkTree(fs *repo.Fs, nr *dag.NodeRevision, path string, depth int) error {
	fmt.Printf("%s%s/\n", strings.Repeat("  ", depth), pathLabel(path))
	if nr.Kind != dag.KindDir {
		return nil
	}
	dir, err := fs.LoadDir(nr)
	if err != nil {
		return err
	}
	names := dir.SortedNames()
	for _, name := range names {
		entry, _ := dir.Get(name)
		childPath := path + "/" + name
		if entry.Kind == dirtree.KindDir {
			childNR, err := fs.Load(entry.ID)
			if err != nil {
				return err
			}
			if err := walkTree(fs, childNR, childPath, depth+1); err != nil {
				return err
			}
		} else {
			fmt.Printf("%s%s\n", strings.Repeat("  ", depth+1), name)
		}
	}
	return nil
}

func pathLabel(path string) string {
	if path == "" {
		return "."
	}
	return path
}

func runLog(logger *logrus.Logger, path string, from, to int64) {
	fs := openRepo(logger, path)
	defer fs.Close()
	to = resolveTo(fs, logger, to)

	for rev := from; rev <= to; rev++ {
		props, err := fs.RevisionPropList(rev)
		if err != nil {
			logger.Errorf("reading revprops for r%d: %v", rev, err)
			os.Exit(2)
		}
		fmt.Printf("r%d | %s | %s\n%s\n\n", rev, props["svn:author"], props["svn:date"], props["svn:log"])
	}
}
