package main

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log"
	"os"

	_ "github.com/mattn/go-sqlite3" // SQLite driver
	"go.uber.org/zap"

	"github.com/asaidimu/go-fhirstore/core/persistence"
	"github.com/asaidimu/go-fhirstore/core/query"
	"github.com/asaidimu/go-fhirstore/core/schema"
	"github.com/asaidimu/go-fhirstore/sqlite"
)

const (
	dbFileName = "fhirstore.db"

	// A small slice of a FHIR schema: two resources and the shared
	// structures they embed.
	patientSchemaJSON = `{
		"definitions": {
			"Patient": {
				"properties": {
					"resourceType": {"const": "Patient"},
					"id": {"type": "string"},
					"active": {"type": "boolean"},
					"gender": {"enum": ["male", "female", "other", "unknown"]},
					"name": {"items": {"$ref": "#/definitions/HumanName"}},
					"managingOrganization": {"$ref": "#/definitions/Reference"}
				}
			},
			"Organization": {
				"properties": {
					"resourceType": {"const": "Organization"},
					"id": {"type": "string"},
					"name": {"type": "string"}
				}
			},
			"HumanName": {
				"properties": {
					"family": {"type": "string"},
					"given": {"items": {"type": "string"}}
				}
			},
			"Reference": {
				"properties": {
					"reference": {"type": "string"},
					"display": {"type": "string"}
				}
			}
		}
	}`
)

func main() {
	// Start fresh so the demo is repeatable.
	if err := os.Remove(dbFileName); err != nil && !os.IsNotExist(err) {
		log.Fatalf("Failed to remove existing database file %s: %v", dbFileName, err)
	}

	logger, err := zap.NewDevelopment()
	if err != nil {
		log.Fatalf("Failed to initialize logger: %v", err)
	}
	defer logger.Sync()

	db, err := sql.Open("sqlite3", dbFileName)
	if err != nil {
		logger.Fatal("Failed to open database", zap.Error(err))
	}
	defer db.Close()

	backend, err := sqlite.NewStore(db, logger)
	if err != nil {
		logger.Fatal("Failed to initialize sqlite backend", zap.Error(err))
	}

	store, err := persistence.NewStore(backend, logger)
	if err != nil {
		logger.Fatal("Failed to initialize store", zap.Error(err))
	}

	ctx := context.Background()

	// Bootstrap: load the schema and provision one collection per resource.
	def, err := schema.ParseDefinition([]byte(patientSchemaJSON))
	if err != nil {
		logger.Fatal("Failed to parse schema definition", zap.Error(err))
	}
	if err := store.Bootstrap(ctx, def, 3); err != nil {
		logger.Fatal("Bootstrap failed", zap.Error(err))
	}
	fmt.Printf("Provisioned resource types: %v\n", store.ResourceTypes())

	// Watch create traffic while the demo runs.
	subID := store.RegisterSubscription(persistence.RegisterSubscriptionOptions{
		Event: persistence.ResourceCreateSuccess,
		Callback: func(_ context.Context, event persistence.StoreEvent) error {
			if event.ResourceType != nil && event.ResourceID != nil {
				fmt.Printf("  event: created %s/%s\n", *event.ResourceType, *event.ResourceID)
			}
			return nil
		},
	})
	defer store.UnregisterSubscription(subID)

	// Create an organization, then patients referencing it.
	org, err := store.Create(ctx, schema.Document{
		"resourceType": "Organization",
		"id":           "org-chu",
		"name":         "CHU de Rouen",
	})
	if err != nil {
		logger.Fatal("Failed to create organization", zap.Error(err))
	}

	patient, err := store.Create(ctx, schema.Document{
		"resourceType": "Patient",
		"active":       true,
		"gender":       "female",
		"name": []any{
			map[string]any{"family": "Martin", "given": []any{"Claire"}},
		},
		"managingOrganization": map[string]any{
			"reference": "Organization/" + org["id"].(string),
		},
	})
	if err != nil {
		logger.Fatal("Failed to create patient", zap.Error(err))
	}
	patientID := patient["id"].(string)
	fmt.Printf("Created patient %s\n", patientID)

	if _, err := store.Create(ctx, schema.Document{
		"resourceType": "Patient",
		"gender":       "male",
		"name": []any{
			map[string]any{"family": "Durand", "given": []any{"Paul"}},
		},
	}); err != nil {
		logger.Fatal("Failed to create patient", zap.Error(err))
	}

	// Read it back and patch a single field.
	if _, err := store.Read(ctx, "Patient", patientID); err != nil {
		logger.Fatal("Failed to read patient", zap.Error(err))
	}
	patched, err := store.Patch(ctx, "Patient", patientID, schema.Document{"active": false})
	if err != nil {
		logger.Fatal("Failed to patch patient", zap.Error(err))
	}
	fmt.Printf("Patched patient, active is now %v\n", patched["active"])

	// Search by a nested path.
	cursor, err := store.Search(ctx, "Patient", query.Where("name.family").Eq("Martin"))
	if err != nil {
		logger.Fatal("Search failed", zap.Error(err))
	}
	defer cursor.Close(ctx)

	for cursor.Next(ctx) {
		doc, err := cursor.Document()
		if err != nil {
			logger.Fatal("Failed to decode search result", zap.Error(err))
		}
		pretty, _ := json.MarshalIndent(doc, "", "  ")
		fmt.Printf("Search hit:\n%s\n", pretty)
	}
	if err := cursor.Err(); err != nil {
		logger.Fatal("Search cursor failed", zap.Error(err))
	}

	// Duplicate ids are rejected with a typed conflict.
	if _, err := store.Create(ctx, schema.Document{
		"resourceType": "Organization",
		"id":           "org-chu",
		"name":         "Duplicate",
	}); err != nil {
		fmt.Printf("Duplicate create rejected: %v\n", err)
	}

	// Delete and confirm the resource is gone.
	if _, err := store.Delete(ctx, "Patient", patientID); err != nil {
		logger.Fatal("Failed to delete patient", zap.Error(err))
	}
	if _, err := store.Read(ctx, "Patient", patientID); err != nil {
		fmt.Printf("Read after delete: %v\n", err)
	}
}
