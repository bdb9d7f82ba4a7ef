package main

import (
	"database/sql"
	"fmt"
	"log"
	"path/filepath"

	"qaloop/internal/artifact"
	"qaloop/internal/config"
)

type runStores struct {
	// artifacts holds manifests and components; repairs overwrite in place.
	artifacts artifact.Store
	cached    *artifact.CachedStore
	// evidence receives archived screenshots, nil when archiving is off.
	evidence artifact.Store
	reports  artifact.Store
	db       *sql.DB
}

func initStores(cfg *config.Config) (*runStores, error) {
	s := &runStores{}
	if cfg.DatabaseURL != "" {
		db, err := artifact.OpenPostgres(cfg.DatabaseURL)
		if err != nil {
			return nil, err
		}
		s.db = db
	}

	origin, err := chooseArtifactStore(cfg, s.db)
	if err != nil {
		return nil, err
	}
	s.artifacts = origin
	if cfg.Artifact.Backend == "s3" || cfg.Artifact.Backend == "postgres" {
		cacheCfg := artifact.DefaultCacheConfig()
		cacheCfg.TTL = cfg.Artifact.CacheTTL
		s.cached = artifact.NewCachedStore(origin, cacheCfg)
		s.artifacts = s.cached
	}

	reports := artifact.NewFileStore(cfg.ReportDir)
	reports.Backup = false
	s.reports = reports

	if cfg.ArchiveEvidence {
		switch cfg.Artifact.Backend {
		case "s3", "postgres":
			s.evidence = origin
		default:
			local := artifact.NewFileStore(filepath.Join(cfg.ReportDir, cfg.ModuleID+"_queue"))
			local.Backup = false
			s.evidence = local
		}
	}
	return s, nil
}

func chooseArtifactStore(cfg *config.Config, db *sql.DB) (artifact.Store, error) {
	switch cfg.Artifact.Backend {
	case "file":
		log.Printf("artifact store: file root=%s", cfg.Artifact.Root)
		return artifact.NewFileStore(cfg.Artifact.Root), nil
	case "s3":
		s3Cfg := artifact.S3Config{
			Endpoint:  cfg.Artifact.Endpoint,
			Region:    cfg.Artifact.Region,
			AccessKey: cfg.Artifact.AccessKey,
			SecretKey: cfg.Artifact.SecretKey,
			Bucket:    cfg.Artifact.Bucket,
			UseSSL:    cfg.Artifact.UseSSL,
			Prefix:    cfg.Artifact.Prefix,
		}
		if !s3Cfg.CanUse() {
			return nil, fmt.Errorf("artifact s3 store: endpoint, credentials and bucket are required")
		}
		s3Store, err := artifact.NewS3Store(s3Cfg)
		if err != nil {
			return nil, fmt.Errorf("failed to initialize artifact s3 store: %w", err)
		}
		log.Printf("artifact store: s3 bucket=%s endpoint=%s", s3Cfg.Bucket, s3Cfg.Endpoint)
		return s3Store, nil
	case "postgres":
		if db == nil {
			return nil, fmt.Errorf("artifact postgres store: DATABASE_URL is not set")
		}
		log.Printf("artifact store: postgres")
		return artifact.NewPostgresStore(db), nil
	case "memory":
		log.Printf("artifact store: in-memory (repairs are not persisted)")
		return artifact.NewMemoryStore(), nil
	}
	return nil, fmt.Errorf("unknown artifact backend %q", cfg.Artifact.Backend)
}

func (s *runStores) Close() {
	if s.cached != nil {
		m := s.cached.Metrics()
		log.Printf("artifact cache: hits=%d misses=%d origin_reads=%d origin_writes=%d read_errors=%d write_errors=%d",
			m.Hits, m.Misses, m.OriginReads, m.OriginWrites, m.OriginReadErr, m.OriginWriteErr)
	}
	if s.db != nil {
		_ = s.db.Close()
	}
}
