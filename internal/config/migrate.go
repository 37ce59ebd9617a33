package config

// Forward-only schema migrations. Each entry upgrades a document from
// fromVersion to fromVersion+1. Migration is idempotent: running it twice
// on an already-migrated document is a no-op, because a document at
// CurrentSchemaVersion matches no step's fromVersion (spec §4.2 guarantee:
// load ∘ save ∘ migrate == load ∘ save).
//
// There is only one schema version today; this table exists so that a
// future key rename or default-value change has a home without touching
// LoadWorkspace/LoadInstance.
var workspaceMigrations = map[int]func(*Workspace){
	0: func(w *Workspace) {
		// Version 0 predates explicit local_repo/source_cache defaults;
		// version 1 makes both true unless the document already set them.
		// LoadWorkspace decodes onto DefaultWorkspace(), so a key the
		// document never mentioned already holds its default here; this
		// step pins the documented default for such keys explicitly.
		if !w.undecoded.IsDefined("local_repo") {
			w.LocalRepo = true
		}
		if !w.undecoded.IsDefined("source_cache") {
			w.SourceCache = true
		}
	},
}

var instanceMigrations = map[int]func(*Instance){
	0: func(i *Instance) {
		// No field changes yet between version 0 and 1 for per-instance
		// documents; the version bump alone future-proofs new keys.
	},
}

func migrateWorkspace(w *Workspace) {
	for w.SchemaVersion < CurrentSchemaVersion {
		if step, ok := workspaceMigrations[w.SchemaVersion]; ok {
			step(w)
		}
		w.SchemaVersion++
	}
}

func migrateInstance(i *Instance) {
	for i.SchemaVersion < CurrentSchemaVersion {
		if step, ok := instanceMigrations[i.SchemaVersion]; ok {
			step(i)
		}
		i.SchemaVersion++
	}
}
