package main

import (
	"encoding/json"
	"fmt"
	"log"
	"os"

	"github.com/nimbusota/release-storage-backend/client"
	"github.com/nimbusota/release-storage-backend/cmd/flags"
	"github.com/nimbusota/release-storage-backend/interfaces"
	"github.com/urfave/cli/v2"
)

var flagEmail *cli.StringFlag = &cli.StringFlag{
	Name:  "email",
	Usage: "Account email address",
}
var flagAccountName *cli.StringFlag = &cli.StringFlag{
	Name:  "name",
	Usage: "Human-readable account name",
}
var flagKeyName *cli.StringFlag = &cli.StringFlag{
	Name:     "name",
	Required: true,
	Usage:    "Access key name, unique within the account",
}
var flagKeyDescription *cli.StringFlag = &cli.StringFlag{
	Name:  "description",
	Usage: "Free-form note on what the key is for",
}
var flagKeyTTL *cli.DurationFlag = &cli.DurationFlag{
	Name:  "ttl",
	Usage: "Key lifetime (for example 720h). Zero means the server default",
}
var flagAppName *cli.StringFlag = &cli.StringFlag{
	Name:     "name",
	Required: true,
	Usage:    "Application name, unique within the account",
}
var flagManualDeployments *cli.BoolFlag = &cli.BoolFlag{
	Name:  "manual-deployments",
	Usage: "Skip creating the default Production and Staging deployments",
}
var flagApp *cli.StringFlag = &cli.StringFlag{
	Name:     "app",
	Required: true,
	Usage:    "Application identifier",
}
var flagDeployment *cli.StringFlag = &cli.StringFlag{
	Name:     "deployment",
	Required: true,
	Usage:    "Deployment identifier",
}
var flagDeploymentName *cli.StringFlag = &cli.StringFlag{
	Name:     "name",
	Required: true,
	Usage:    "Deployment name, unique within the app",
}
var flagCollaboratorEmail *cli.StringFlag = &cli.StringFlag{
	Name:     "email",
	Required: true,
	Usage:    "Email of the target account",
}
var flagTargetVersion *cli.StringFlag = &cli.StringFlag{
	Name:  "target-version",
	Usage: "Client app version or semver range the release applies to",
}
var flagReleaseDescription *cli.StringFlag = &cli.StringFlag{
	Name:  "description",
	Usage: "Release notes shown to clients",
}
var flagMandatory *cli.BoolFlag = &cli.BoolFlag{
	Name:  "mandatory",
	Usage: "Clients must install this release before continuing",
}
var flagDisabled *cli.BoolFlag = &cli.BoolFlag{
	Name:  "disabled",
	Usage: "Keep the release invisible to update checks",
}
var flagRollout *cli.IntFlag = &cli.IntFlag{
	Name:  "rollout",
	Usage: "Percentage of clients receiving the release, 1-100. Zero means everyone",
}
var flagSourceDeployment *cli.StringFlag = &cli.StringFlag{
	Name:     "source",
	Required: true,
	Usage:    "Deployment to promote from",
}
var flagDestDeployment *cli.StringFlag = &cli.StringFlag{
	Name:     "dest",
	Required: true,
	Usage:    "Deployment to promote into",
}
var flagTargetLabel *cli.StringFlag = &cli.StringFlag{
	Name:  "target-label",
	Usage: "Label to roll back to. Empty picks the latest distinct release",
}
var flagDeploymentKey *cli.StringFlag = &cli.StringFlag{
	Name:     "deployment-key",
	Required: true,
	Usage:    "Deployment key as shipped in the client binary",
}
var flagAppVersion *cli.StringFlag = &cli.StringFlag{
	Name:     "app-version",
	Required: true,
	Usage:    "Semver of the querying client binary",
}
var flagPackageHash *cli.StringFlag = &cli.StringFlag{
	Name:  "package-hash",
	Usage: "Hash of the release the client currently runs, if any",
}
var flagClientID *cli.StringFlag = &cli.StringFlag{
	Name:  "client-id",
	Usage: "Stable device identifier used for rollout bucketing",
}

func main() {
	app := &cli.App{
		Name:  "releasectl",
		Usage: "Manage apps, deployments and releases on a release storage server",
		Flags: []cli.Flag{
			flags.ServerURLFlag,
			flags.AccessKeyFlag,
		},
		Commands: []*cli.Command{
			&cli.Command{
				Name:  "register",
				Usage: "Register a new account",
				Flags: []cli.Flag{flagEmail, flagAccountName},
				Action: func(cCtx *cli.Context) error {
					account, err := newClient(cCtx).AddAccount(cCtx.Context, interfaces.Account{
						Email: cCtx.String(flagEmail.Name),
						Name:  cCtx.String(flagAccountName.Name),
					})
					if err != nil {
						return fmt.Errorf("registration failed: %w", err)
					}
					return printJSON(account)
				},
			},
			&cli.Command{
				Name:  "whoami",
				Usage: "Show the account the configured credentials resolve to",
				Action: func(cCtx *cli.Context) error {
					account, err := newClient(cCtx).GetAccount(cCtx.Context)
					if err != nil {
						return err
					}
					return printJSON(account)
				},
			},
			&cli.Command{
				Name:  "create-access-key",
				Usage: "Mint an access key for scripted access",
				Flags: []cli.Flag{flagKeyName, flagKeyDescription, flagKeyTTL},
				Action: func(cCtx *cli.Context) error {
					createdBy, _ := os.Hostname()
					ttl := cCtx.Duration(flagKeyTTL.Name)
					var ttlArg = &ttl
					if ttl == 0 {
						ttlArg = nil
					}
					key, err := newClient(cCtx).AddAccessKey(cCtx.Context, cCtx.String(flagKeyName.Name), cCtx.String(flagKeyDescription.Name), createdBy, ttlArg)
					if err != nil {
						return err
					}
					return printJSON(key)
				},
			},
			&cli.Command{
				Name:  "list-access-keys",
				Usage: "List the account's access keys",
				Action: func(cCtx *cli.Context) error {
					keys, err := newClient(cCtx).GetAccessKeys(cCtx.Context)
					if err != nil {
						return err
					}
					return printJSON(keys)
				},
			},
			&cli.Command{
				Name:  "remove-access-key",
				Usage: "Revoke an access key by name",
				Flags: []cli.Flag{flagKeyName},
				Action: func(cCtx *cli.Context) error {
					return newClient(cCtx).RemoveAccessKey(cCtx.Context, cCtx.String(flagKeyName.Name))
				},
			},
			&cli.Command{
				Name:  "create-app",
				Usage: "Create an app owned by the current account",
				Flags: []cli.Flag{flagAppName, flagManualDeployments},
				Action: func(cCtx *cli.Context) error {
					app, err := newClient(cCtx).AddApp(cCtx.Context, cCtx.String(flagAppName.Name), cCtx.Bool(flagManualDeployments.Name))
					if err != nil {
						return err
					}
					return printJSON(app)
				},
			},
			&cli.Command{
				Name:  "list-apps",
				Usage: "List apps the account owns or collaborates on",
				Action: func(cCtx *cli.Context) error {
					apps, err := newClient(cCtx).GetApps(cCtx.Context)
					if err != nil {
						return err
					}
					return printJSON(apps)
				},
			},
			&cli.Command{
				Name:  "app-info",
				Usage: "Show one app including its collaborator map",
				Flags: []cli.Flag{flagApp},
				Action: func(cCtx *cli.Context) error {
					app, err := newClient(cCtx).GetApp(cCtx.Context, cCtx.String(flagApp.Name))
					if err != nil {
						return err
					}
					return printJSON(app)
				},
			},
			&cli.Command{
				Name:  "remove-app",
				Usage: "Delete an app and everything under it",
				Flags: []cli.Flag{flagApp},
				Action: func(cCtx *cli.Context) error {
					return newClient(cCtx).RemoveApp(cCtx.Context, cCtx.String(flagApp.Name))
				},
			},
			&cli.Command{
				Name:  "transfer-app",
				Usage: "Transfer app ownership to another account",
				Flags: []cli.Flag{flagApp, flagCollaboratorEmail},
				Action: func(cCtx *cli.Context) error {
					return newClient(cCtx).TransferApp(cCtx.Context, cCtx.String(flagApp.Name), cCtx.String(flagCollaboratorEmail.Name))
				},
			},
			&cli.Command{
				Name:  "list-collaborators",
				Usage: "List an app's collaborators",
				Flags: []cli.Flag{flagApp},
				Action: func(cCtx *cli.Context) error {
					collaborators, err := newClient(cCtx).GetCollaborators(cCtx.Context, cCtx.String(flagApp.Name))
					if err != nil {
						return err
					}
					return printJSON(collaborators)
				},
			},
			&cli.Command{
				Name:  "add-collaborator",
				Usage: "Grant another account collaborator access to an app",
				Flags: []cli.Flag{flagApp, flagCollaboratorEmail},
				Action: func(cCtx *cli.Context) error {
					return newClient(cCtx).AddCollaborator(cCtx.Context, cCtx.String(flagApp.Name), cCtx.String(flagCollaboratorEmail.Name))
				},
			},
			&cli.Command{
				Name:  "remove-collaborator",
				Usage: "Revoke a collaborator's access to an app",
				Flags: []cli.Flag{flagApp, flagCollaboratorEmail},
				Action: func(cCtx *cli.Context) error {
					return newClient(cCtx).RemoveCollaborator(cCtx.Context, cCtx.String(flagApp.Name), cCtx.String(flagCollaboratorEmail.Name))
				},
			},
			&cli.Command{
				Name:  "create-deployment",
				Usage: "Create a deployment under an app",
				Flags: []cli.Flag{flagApp, flagDeploymentName},
				Action: func(cCtx *cli.Context) error {
					deployment, err := newClient(cCtx).AddDeployment(cCtx.Context, cCtx.String(flagApp.Name), cCtx.String(flagDeploymentName.Name))
					if err != nil {
						return err
					}
					return printJSON(deployment)
				},
			},
			&cli.Command{
				Name:  "list-deployments",
				Usage: "List an app's deployments with their keys",
				Flags: []cli.Flag{flagApp},
				Action: func(cCtx *cli.Context) error {
					deployments, err := newClient(cCtx).GetDeployments(cCtx.Context, cCtx.String(flagApp.Name))
					if err != nil {
						return err
					}
					return printJSON(deployments)
				},
			},
			&cli.Command{
				Name:  "remove-deployment",
				Usage: "Delete a deployment and its history",
				Flags: []cli.Flag{flagApp, flagDeployment},
				Action: func(cCtx *cli.Context) error {
					return newClient(cCtx).RemoveDeployment(cCtx.Context, cCtx.String(flagApp.Name), cCtx.String(flagDeployment.Name))
				},
			},
			&cli.Command{
				Name:      "release",
				Usage:     "Upload a package file as a new release",
				ArgsUsage: "<package-file>",
				Flags:     []cli.Flag{flagApp, flagDeployment, flagTargetVersion, flagReleaseDescription, flagMandatory, flagDisabled, flagRollout},
				Action: func(cCtx *cli.Context) error {
					path := cCtx.Args().First()
					if path == "" {
						return fmt.Errorf("missing package file argument")
					}
					file, err := os.Open(path)
					if err != nil {
						return fmt.Errorf("could not open package file: %w", err)
					}
					defer file.Close()

					pkg, err := newClient(cCtx).UploadRelease(cCtx.Context, cCtx.String(flagApp.Name), cCtx.String(flagDeployment.Name), client.ReleaseSettings{
						AppVersion:  cCtx.String(flagTargetVersion.Name),
						Description: cCtx.String(flagReleaseDescription.Name),
						IsMandatory: cCtx.Bool(flagMandatory.Name),
						IsDisabled:  cCtx.Bool(flagDisabled.Name),
						Rollout:     cCtx.Int(flagRollout.Name),
					}, file)
					if err != nil {
						return fmt.Errorf("release failed: %w", err)
					}
					return printJSON(pkg)
				},
			},
			&cli.Command{
				Name:  "promote",
				Usage: "Promote the latest release of one deployment into another",
				Flags: []cli.Flag{flagApp, flagSourceDeployment, flagDestDeployment, flagTargetVersion, flagReleaseDescription, flagMandatory, flagDisabled, flagRollout},
				Action: func(cCtx *cli.Context) error {
					pkg, err := newClient(cCtx).PromoteRelease(cCtx.Context, cCtx.String(flagApp.Name), cCtx.String(flagSourceDeployment.Name), cCtx.String(flagDestDeployment.Name), client.ReleaseSettings{
						AppVersion:  cCtx.String(flagTargetVersion.Name),
						Description: cCtx.String(flagReleaseDescription.Name),
						IsMandatory: cCtx.Bool(flagMandatory.Name),
						IsDisabled:  cCtx.Bool(flagDisabled.Name),
						Rollout:     cCtx.Int(flagRollout.Name),
					})
					if err != nil {
						return fmt.Errorf("promotion failed: %w", err)
					}
					return printJSON(pkg)
				},
			},
			&cli.Command{
				Name:  "rollback",
				Usage: "Roll a deployment back to an earlier release",
				Flags: []cli.Flag{flagApp, flagDeployment, flagTargetLabel},
				Action: func(cCtx *cli.Context) error {
					pkg, err := newClient(cCtx).RollbackRelease(cCtx.Context, cCtx.String(flagApp.Name), cCtx.String(flagDeployment.Name), cCtx.String(flagTargetLabel.Name))
					if err != nil {
						return fmt.Errorf("rollback failed: %w", err)
					}
					return printJSON(pkg)
				},
			},
			&cli.Command{
				Name:  "history",
				Usage: "Show a deployment's full release history",
				Flags: []cli.Flag{flagApp, flagDeployment},
				Action: func(cCtx *cli.Context) error {
					history, err := newClient(cCtx).GetHistory(cCtx.Context, cCtx.String(flagApp.Name), cCtx.String(flagDeployment.Name))
					if err != nil {
						return err
					}
					return printJSON(history)
				},
			},
			&cli.Command{
				Name:  "clear-history",
				Usage: "Drop a deployment's release history",
				Flags: []cli.Flag{flagApp, flagDeployment},
				Action: func(cCtx *cli.Context) error {
					return newClient(cCtx).ClearHistory(cCtx.Context, cCtx.String(flagApp.Name), cCtx.String(flagDeployment.Name))
				},
			},
			&cli.Command{
				Name:  "check-update",
				Usage: "Query the acquisition API the way a device would",
				Flags: []cli.Flag{flagDeploymentKey, flagAppVersion, flagPackageHash, flagClientID},
				Action: func(cCtx *cli.Context) error {
					info, err := newClient(cCtx).CheckForUpdate(cCtx.Context, cCtx.String(flagDeploymentKey.Name), cCtx.String(flagAppVersion.Name), cCtx.String(flagPackageHash.Name), cCtx.String(flagClientID.Name))
					if err != nil {
						return fmt.Errorf("update check failed: %w", err)
					}
					return printJSON(info)
				},
			},
		},
	}

	if err := app.Run(os.Args); err != nil {
		log.Fatal(err)
	}
}

func newClient(cCtx *cli.Context) *client.Client {
	return &client.Client{
		ServerURL: cCtx.String(flags.ServerURLFlag.Name),
		AccessKey: cCtx.String(flags.AccessKeyFlag.Name),
	}
}

func printJSON(v any) error {
	encoded, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(string(encoded))
	return nil
}
