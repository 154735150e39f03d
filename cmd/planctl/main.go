package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"os"
	"strconv"
	"time"

	"github.com/docopt/docopt-go"
	"go.uber.org/zap"

	mqcontract "projectplanner/contracts/mq"
	"projectplanner/internal/catalog"
	"projectplanner/internal/config"
	"projectplanner/internal/draft"
	"projectplanner/internal/mqhandler"
	"projectplanner/internal/remote/backend"
	"projectplanner/internal/service"
	"projectplanner/pkg/logger"
	"projectplanner/pkg/mq"
	"projectplanner/pkg/util"
)

const PlanCtlVersion = "0.1.0"

var Out *log.Logger
var Err *log.Logger

func init() {
	Out = log.New(os.Stdout, "", 0)
	Err = log.New(os.Stderr, "", log.Ldate|log.Ltime|log.Lshortfile)
}

func main() {
	usage := `Project planner control.

A plan file holds the JSON body of a project.save_requested event.

Usage:
    planctl apply <plan_file> [--env=<env>] [--config=<dir>]
    planctl publish <plan_file> [--env=<env>] [--config=<dir>]
    planctl estimate <project_id> [--env=<env>] [--config=<dir>]
    planctl token [--service=<name>] [--ttl=<ttl>] [--env=<env>] [--config=<dir>]

Options:
    -h --help           Show this screen.
    --version           Show version.
    --env=<env>         Config environment, defaults to CONFIG_ENV.
    --config=<dir>      Config directory, defaults to CONFIG_DIR or ./config.
    --service=<name>    Token subject [default: planctl].
    --ttl=<ttl>         Token lifetime [default: 1h].`

	opts, err := docopt.ParseArgs(usage, os.Args[1:], PlanCtlVersion)
	if err != nil {
		panic(err)
	}

	env, _ := opts.String("--env")
	dir, _ := opts.String("--config")
	cfg, err := config.Load(env, dir)
	if err != nil {
		Err.Fatalf("%s", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), cfg.Sync.SaveTimeout)
	defer cancel()

	if apply_, _ := opts.Bool("apply"); apply_ {
		err = apply(ctx, cfg, opts)
	} else if publish_, _ := opts.Bool("publish"); publish_ {
		err = publish(ctx, cfg, opts)
	} else if estimate_, _ := opts.Bool("estimate"); estimate_ {
		err = estimateProject(ctx, cfg, opts)
	} else if token_, _ := opts.Bool("token"); token_ {
		err = token(cfg, opts)
	}
	if err != nil {
		Err.Fatalf("%s", err)
	}
}

// apply 直接在本进程内完成一次保存，不经过 MQ
func apply(ctx context.Context, cfg *config.Config, opts docopt.Opts) error {
	payload, err := readPlan(opts)
	if err != nil {
		return err
	}

	planner, closeAll, err := newPlanner(ctx, cfg)
	if err != nil {
		return err
	}
	defer closeAll()

	var d *draft.Draft
	if payload.ProjectID != 0 {
		_, _, d, err = planner.Load(ctx, payload.ProjectID)
		if err != nil {
			return err
		}
	} else {
		d = planner.NewDraft(draft.ProjectFields{})
	}
	if err := mqhandler.Reconcile(d, payload); err != nil {
		return err
	}

	outcome, err := planner.Save(ctx, d)
	if err != nil {
		if outcome != nil && outcome.Result != nil {
			Err.Printf("%s", outcome.Result.Summary())
		}
		return err
	}
	return printJSON(map[string]any{
		"project_id": outcome.ProjectID,
		"created":    outcome.Created,
		"noop":       outcome.Noop,
		"operations": outcome.Changes,
		"estimate":   outcome.Estimate,
	})
}

// publish 把计划作为 project.save_requested 事件发给运行中的服务
func publish(ctx context.Context, cfg *config.Config, opts docopt.Opts) error {
	payload, err := readPlan(opts)
	if err != nil {
		return err
	}

	publisher, err := mq.NewPublisher(cfg.MQ.URL, cfg.MQ.Exchange)
	if err != nil {
		return err
	}
	defer publisher.Close()

	if err := publisher.Publish(ctx, mqcontract.RoutingKeyProjectSaveRequested, payload); err != nil {
		return fmt.Errorf("failed to publish plan: %w", err)
	}
	Out.Printf("published %s for project %d", mqcontract.RoutingKeyProjectSaveRequested, payload.ProjectID)
	return nil
}

func estimateProject(ctx context.Context, cfg *config.Config, opts docopt.Opts) error {
	raw, _ := opts.String("<project_id>")
	projectID, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || projectID <= 0 {
		return fmt.Errorf("invalid project id %q", raw)
	}

	planner, closeAll, err := newPlanner(ctx, cfg)
	if err != nil {
		return err
	}
	defer closeAll()

	project, est, err := planner.Estimate(ctx, projectID)
	if err != nil {
		return err
	}
	return printJSON(map[string]any{
		"project_id": project.ID,
		"name":       project.Name,
		"estimate":   est,
	})
}

// token 生成访问 /projects 路由或远程存储用的服务 token
func token(cfg *config.Config, opts docopt.Opts) error {
	if cfg.Remote.TokenSecret == "" {
		return errors.New("remote.token_secret is not configured")
	}
	name, _ := opts.String("--service")
	rawTTL, _ := opts.String("--ttl")
	ttl, err := time.ParseDuration(rawTTL)
	if err != nil {
		return fmt.Errorf("invalid ttl %q: %w", rawTTL, err)
	}
	t, err := util.GenerateServiceToken(name, cfg.Remote.TokenSecret, ttl)
	if err != nil {
		return err
	}
	Out.Println(t)
	return nil
}

func newPlanner(ctx context.Context, cfg *config.Config) (*service.Planner, func(), error) {
	zlog := logger.NewDevelopment()

	store, closeStore, err := backend.Open(ctx, cfg, zlog)
	if err != nil {
		return nil, nil, err
	}
	cat, err := catalog.Load(ctx, store, zlog)
	if err != nil {
		closeStore()
		return nil, nil, err
	}
	closeAll := func() {
		closeStore()
		_ = zlog.Sync()
	}
	zlog.Debug("Planner ready", zap.String("backend", cfg.Remote.Backend))
	return service.NewPlanner(store, cat, zlog), closeAll, nil
}

func readPlan(opts docopt.Opts) (mqcontract.ProjectSaveRequestedPayload, error) {
	var payload mqcontract.ProjectSaveRequestedPayload
	path, _ := opts.String("<plan_file>")
	raw, err := os.ReadFile(path)
	if err != nil {
		return payload, err
	}
	if err := json.Unmarshal(raw, &payload); err != nil {
		return payload, fmt.Errorf("invalid plan file %s: %w", path, err)
	}
	return payload, nil
}

func printJSON(v any) error {
	out, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	Out.Println(string(out))
	return nil
}
