/*
 * Copyright 2025 Quarry Labs
 *
 * Licensed under the Apache License, Version 2.0 (the "License");
 * you may not use this file except in compliance with the License.
 * You may obtain a copy of the License at
 *
 *     http://www.apache.org/licenses/LICENSE-2.0
 *
 * Unless required by applicable law or agreed to in writing, software
 * distributed under the License is distributed on an "AS IS" BASIS,
 * WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 * See the License for the specific language governing permissions and
 * limitations under the License.
 */

// seeder uploads a local file into the pipeline the way the platform's
// upload endpoint would: blob into quarantine, document shard created,
// admission job enqueued. Useful for local development against quarryd.
package main

import (
	"context"
	"fmt"
	"log"
	"mime"
	"os"
	"path/filepath"

	"github.com/urfave/cli/v2"

	"github.com/quarrylabs/quarry/core"
	"github.com/quarrylabs/quarry/jobs"
	"github.com/quarrylabs/quarry/queue"
	"github.com/quarrylabs/quarry/queue/badgerq"
	"github.com/quarrylabs/quarry/storage"
	"github.com/quarrylabs/quarry/storage/badger"
	"github.com/quarrylabs/quarry/storage/blob"
)

func main() {
	app := &cli.App{
		Name:  "seeder",
		Usage: "Upload a document into the processing pipeline",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:     "data-dir",
				Usage:    "Path to the quarryd data directory",
				Required: true,
			},
			&cli.StringFlag{
				Name:     "blob-dir",
				Usage:    "Path to the quarryd blob directory",
				Required: true,
			},
			&cli.StringFlag{
				Name:     "tenant",
				Usage:    "Tenant the document belongs to",
				Required: true,
			},
			&cli.StringFlag{
				Name:  "content-type",
				Usage: "Declared content type (defaults from the file extension)",
			},
		},
		ArgsUsage: "FILE",
		Action:    seedCommand,
	}

	if err := app.Run(os.Args); err != nil {
		log.Fatal(err)
	}
}

func seedCommand(c *cli.Context) error {
	if c.NArg() != 1 {
		return fmt.Errorf("exactly one file argument is required")
	}
	filePath := c.Args().First()
	tenantID := c.String("tenant")

	data, err := os.ReadFile(filePath)
	if err != nil {
		return fmt.Errorf("reading %s: %w", filePath, err)
	}

	contentType := c.String("content-type")
	if contentType == "" {
		contentType = mime.TypeByExtension(filepath.Ext(filePath))
	}
	if contentType == "" {
		contentType = "application/octet-stream"
	}

	backend, err := badger.OpenBackend(c.String("data-dir"), false)
	if err != nil {
		return fmt.Errorf("opening data store: %w", err)
	}
	defer backend.Close()

	shards, err := badger.NewShardRepository(backend)
	if err != nil {
		return fmt.Errorf("creating shard repository: %w", err)
	}
	defer shards.Close()

	objects, err := blob.NewStore(c.String("blob-dir"))
	if err != nil {
		return fmt.Errorf("opening blob store: %w", err)
	}

	broker, err := badgerq.New(backend, jobs.AllQueues())
	if err != nil {
		return fmt.Errorf("creating broker: %w", err)
	}
	defer broker.Close()

	ctx := context.Background()

	doc, err := shards.CreateShard(ctx, &core.Shard{
		TenantID: tenantID,
		Type:     core.ShardTypeDocument,
		Name:     filepath.Base(filePath),
	})
	if err != nil {
		return fmt.Errorf("creating document shard: %w", err)
	}

	quarantinePath := tenantID + "/" + doc.ID
	if err := objects.Put(ctx, storage.ContainerQuarantine, quarantinePath, data); err != nil {
		return fmt.Errorf("uploading to quarantine: %w", err)
	}

	job, err := queue.NewJob(jobs.QueueGate, tenantID, doc.ID, jobs.GatePayload{
		Path:         quarantinePath,
		DeclaredType: contentType,
		DeclaredSize: int64(len(data)),
	})
	if err != nil {
		return fmt.Errorf("building admission job: %w", err)
	}
	if _, err := broker.Enqueue(ctx, job); err != nil {
		return fmt.Errorf("enqueueing admission job: %w", err)
	}

	fmt.Printf("uploaded %s as document %s (%d bytes, %s)\n", filePath, doc.ID, len(data), contentType)
	return nil
}
