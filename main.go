package main

// svnfs-admin is the repository inspector CLI: the sub-command-per-
// operation shape of svnlook/svnadmin, fanned out over package repo's
// programmatic surface (spec §6.3). Exit codes follow that surface's
// convention: 0 success, 1 usage error, 2 engine error.

import (
	"fmt"
	"os"
	"time"

	"github.com/perforce/p4prometheus/version"
	"github.com/pkg/profile"
	"github.com/sirupsen/logrus"
	"gopkg.in/alecthomas/kingpin.v2"

	"github.com/rcowham/svnfs/config"
	"github.com/rcowham/svnfs/lock"
	"github.com/rcowham/svnfs/repo"
)

// exit codes per spec §6.3.
const (
	exitOK    = 0
	exitUsage = 1
	exitError = 2
)

func fatalUsage(logger *logrus.Logger, format string, args ...interface{}) {
	logger.Errorf(format, args...)
	os.Exit(exitUsage)
}

func main() {
	var (
		app = kingpin.New("svnfs-admin", "Inspect and administer an svnfs repository.")

		debug = app.Flag("debug", "Enable debug logging.").Bool()
		prof  = app.Flag("profile", "Write CPU profiling data to ./cpu.pprof.").Bool()

		createCmd  = app.Command("create", "Create a new repository.")
		createPath = createCmd.Arg("path", "Repository path.").Required().String()
		createFmt  = createCmd.Flag("format", "On-disk format number.").Default(fmt.Sprint(config.DefaultFormat)).Int()
		createShard = createCmd.Flag("shard-size", "Revisions per shard (0 disables sharding).").Default(fmt.Sprint(config.DefaultShardSize)).Int64()

		openCmd  = app.Command("open", "Open a repository and report its format/UUID.")
		openPath = openCmd.Arg("path", "Repository path.").Required().String()

		verifyCmd  = app.Command("verify", "Verify every representation between two revisions.")
		verifyPath = verifyCmd.Arg("path", "Repository path.").Required().String()
		verifyFrom = verifyCmd.Flag("from", "First revision to verify.").Default("0").Int64()
		verifyTo   = verifyCmd.Flag("to", "Last revision to verify (default: youngest).").Int64()

		packCmd  = app.Command("pack", "Pack every complete shard up to a revision.")
		packPath = packCmd.Arg("path", "Repository path.").Required().String()
		packTo   = packCmd.Flag("to", "Pack shards up to (default: youngest).").Int64()

		hotcopyCmd = app.Command("hotcopy", "Copy a repository to a new location.")
		hotcopySrc = hotcopyCmd.Arg("path", "Source repository path.").Required().String()
		hotcopyDst = hotcopyCmd.Arg("dest", "Destination path.").Required().String()

		recoverCmd  = app.Command("recover", "Reconcile current with the revisions actually on disk.")
		recoverPath = recoverCmd.Arg("path", "Repository path.").Required().String()

		youngestCmd  = app.Command("youngest", "Print the youngest committed revision.")
		youngestPath = youngestCmd.Arg("path", "Repository path.").Required().String()

		dumpRevpropsCmd = app.Command("dump-revprops", "Print a revision's properties.")
		dumpRevpropsPath = dumpRevpropsCmd.Arg("path", "Repository path.").Required().String()
		dumpRevpropsRev  = dumpRevpropsCmd.Arg("rev", "Revision number.").Required().Int64()

		lockCmd     = app.Command("lock", "Lock a path.")
		lockPath    = lockCmd.Arg("path", "Repository path.").Required().String()
		lockTarget  = lockCmd.Arg("target", "Path within the repository to lock.").Required().String()
		lockOwner   = lockCmd.Flag("owner", "Lock owner.").Default("svnfs-admin").String()
		lockComment = lockCmd.Flag("comment", "Lock comment.").String()
		lockSteal   = lockCmd.Flag("steal", "Steal an existing lock.").Bool()

		unlockCmd    = app.Command("unlock", "Remove a lock.")
		unlockPath   = unlockCmd.Arg("path", "Repository path.").Required().String()
		unlockTarget = unlockCmd.Arg("target", "Path within the repository to unlock.").Required().String()
	)

	app.UsageTemplate(kingpin.CompactUsageTemplate).Version(version.Print("svnfs-admin")).Author("svnfs")
	app.HelpFlag.Short('h')
	cmd := kingpin.MustParse(app.Parse(os.Args[1:]))

	logger := logrus.New()
	logger.Level = logrus.InfoLevel
	if *debug {
		logger.Level = logrus.DebugLevel
	}
	if *prof {
		defer profile.Start(profile.CPUProfile, profile.ProfilePath(".")).Stop()
	}
	logger.Infof("%v", version.Print("svnfs-admin"))

	switch cmd {
	case createCmd.FullCommand():
		runCreate(logger, *createPath, *createFmt, *createShard)
	case openCmd.FullCommand():
		runOpen(logger, *openPath)
	case verifyCmd.FullCommand():
		runVerify(logger, *verifyPath, *verifyFrom, *verifyTo)
	case packCmd.FullCommand():
		runPack(logger, *packPath, *packTo)
	case hotcopyCmd.FullCommand():
		runHotcopy(logger, *hotcopySrc, *hotcopyDst)
	case recoverCmd.FullCommand():
		runRecover(logger, *recoverPath)
	case youngestCmd.FullCommand():
		runYoungest(logger, *youngestPath)
	case dumpRevpropsCmd.FullCommand():
		runDumpRevprops(logger, *dumpRevpropsPath, *dumpRevpropsRev)
	case lockCmd.FullCommand():
		runLock(logger, *lockPath, *lockTarget, *lockOwner, *lockComment, *lockSteal)
	case unlockCmd.FullCommand():
		runUnlock(logger, *unlockPath, *unlockTarget)
	default:
		fatalUsage(logger, "unknown command %q", cmd)
	}
}

func openRepo(logger *logrus.Logger, path string) *repo.Fs {
	fs, err := repo.Open(path, logger)
	if err != nil {
		logger.Errorf("opening %s: %v", path, err)
		os.Exit(exitError)
	}
	return fs
}

func runCreate(logger *logrus.Logger, path string, format int, shardSize int64) {
	cfg := config.Default()
	cfg.Format = format
	cfg.Sharded = shardSize > 0
	cfg.ShardSize = shardSize

	fs, err := repo.Create(path, cfg, logger)
	if err != nil {
		logger.Errorf("creating %s: %v", path, err)
		os.Exit(exitError)
	}
	defer fs.Close()
	logger.Infof("created repository %s (format %d, uuid %s)", path, fs.Format(), fs.UUID())
}

func runOpen(logger *logrus.Logger, path string) {
	fs := openRepo(logger, path)
	defer fs.Close()
	youngest, err := fs.YoungestRev()
	if err != nil {
		logger.Errorf("reading youngest revision: %v", err)
		os.Exit(exitError)
	}
	fmt.Printf("path: %s\nformat: %d\nuuid: %s\nyoungest-rev: %d\n", fs.Root(), fs.Format(), fs.UUID(), youngest)
}

func runVerify(logger *logrus.Logger, path string, from, to int64) {
	fs := openRepo(logger, path)
	defer fs.Close()
	if to == 0 {
		youngest, err := fs.YoungestRev()
		if err != nil {
			logger.Errorf("reading youngest revision: %v", err)
			os.Exit(exitError)
		}
		to = youngest
	}
	start := time.Now()
	if err := fs.Verify(from, to); err != nil {
		logger.Errorf("verify r%d:%d failed: %v", from, to, err)
		os.Exit(exitError)
	}
	logger.Infof("verified r%d:%d in %s", from, to, time.Since(start))
}

func runPack(logger *logrus.Logger, path string, to int64) {
	fs := openRepo(logger, path)
	defer fs.Close()
	if to == 0 {
		youngest, err := fs.YoungestRev()
		if err != nil {
			logger.Errorf("reading youngest revision: %v", err)
			os.Exit(exitError)
		}
		to = youngest
	}
	if err := fs.Pack(to); err != nil {
		logger.Errorf("pack up to r%d failed: %v", to, err)
		os.Exit(exitError)
	}
	logger.Infof("packed shards up to r%d", to)
}

func runHotcopy(logger *logrus.Logger, src, dst string) {
	fs := openRepo(logger, src)
	defer fs.Close()
	if err := fs.Hotcopy(dst); err != nil {
		logger.Errorf("hotcopy %s -> %s failed: %v", src, dst, err)
		os.Exit(exitError)
	}
	logger.Infof("hotcopy %s -> %s complete", src, dst)
}

func runRecover(logger *logrus.Logger, path string) {
	fs := openRepo(logger, path)
	defer fs.Close()
	youngest, err := fs.Recover()
	if err != nil {
		logger.Errorf("recover failed: %v", err)
		os.Exit(exitError)
	}
	logger.Infof("current is now r%d", youngest)
}

func runYoungest(logger *logrus.Logger, path string) {
	fs := openRepo(logger, path)
	defer fs.Close()
	youngest, err := fs.YoungestRev()
	if err != nil {
		logger.Errorf("reading youngest revision: %v", err)
		os.Exit(exitError)
	}
	fmt.Println(youngest)
}

func runDumpRevprops(logger *logrus.Logger, path string, rev int64) {
	fs := openRepo(logger, path)
	defer fs.Close()
	props, err := fs.RevisionPropList(rev)
	if err != nil {
		logger.Errorf("reading revprops for r%d: %v", rev, err)
		os.Exit(exitError)
	}
	for name, value := range props {
		fmt.Printf("%s: %s\n", name, value)
	}
}

func runLock(logger *logrus.Logger, path, target, owner, comment string, steal bool) {
	fs := openRepo(logger, path)
	defer fs.Close()
	token := lock.GenerateLockToken()
	l, err := fs.Locks().Lock(target, token, owner, comment, false, time.Time{}, steal)
	if err != nil {
		logger.Errorf("locking %s: %v", target, err)
		os.Exit(exitError)
	}
	fmt.Printf("locked %s token=%s\n", l.Path, l.Token)
}

func runUnlock(logger *logrus.Logger, path, target string) {
	fs := openRepo(logger, path)
	defer fs.Close()
	if err := fs.Locks().Unlock(target); err != nil {
		logger.Errorf("unlocking %s: %v", target, err)
		os.Exit(exitError)
	}
	logger.Infof("unlocked %s", target)
}
