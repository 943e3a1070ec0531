// Package main (cmd/releasectl) implements the operator command line for the
// release storage server. It wraps the client package and exposes one
// subcommand per management operation: account registration, access key
// management, app and collaborator administration, deployment management,
// release upload, promotion, rollback and history editing.
//
// Credentials come from the --access-key flag or the RELEASE_STORAGE_ACCESS_KEY
// environment variable. Responses print as indented JSON so the output can be
// piped into jq or stored as fixtures.
//
// Typical session:
//
//	releasectl register --email dev@example.com --name "Dev"
//	releasectl create-app --name barista
//	releasectl release --app <app-id> --deployment <deployment-id> \
//	    --target-version "1.2.x" --description "fixes checkout" bundle.zip
//	releasectl promote --app <app-id> --source <staging-id> --dest <production-id> --rollout 25
//
// The check-update subcommand queries the unauthenticated acquisition API the
// way a device would, which is useful when debugging rollout bucketing.
package main
