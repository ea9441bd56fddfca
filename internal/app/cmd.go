package app

import "fmt"

// Command はアプリケーションの起動モードを表す。
type Command string

const (
	// CommandServe はAPIサーバーモードで起動することを示す。
	CommandServe Command = "serve"
	// CommandWorker は日次判定スケジューラと購読クリーンアップを起動することを示す。
	CommandWorker Command = "worker"
	// CommandSender はリマインダーキューを消費してWeb Pushを送信することを示す。
	CommandSender Command = "sender"
	// CommandMigrate はデータベースマイグレーションを実行することを示す。
	CommandMigrate Command = "migrate"
	// CommandCheck は日次判定をその場で1回実行することを示す。
	CommandCheck Command = "check"
	// CommandVAPIDKeys はVAPID鍵ペアを生成して出力することを示す。
	CommandVAPIDKeys Command = "vapid-keys"
	// CommandHealthcheck はヘルスチェックを実行することを示す。
	// distroless環境でのDockerヘルスチェック用。
	CommandHealthcheck Command = "healthcheck"
)

// ParseCommand はコマンドライン引数からサブコマンドを解析する。
// 引数が空またはサポート外のコマンドの場合はCommandServeを返す。
func ParseCommand(args []string) Command {
	if len(args) == 0 {
		return CommandServe
	}

	switch cmd := Command(args[0]); cmd {
	case CommandServe, CommandWorker, CommandSender, CommandMigrate,
		CommandCheck, CommandVAPIDKeys, CommandHealthcheck:
		return cmd
	default:
		return CommandServe
	}
}

// needsConfig はフル初期化（環境変数の読み込み）が必要なコマンドかを返す。
func (c Command) needsConfig() bool {
	return c != CommandHealthcheck && c != CommandVAPIDKeys
}

// MigrateAction はmigrateサブコマンドの操作。
type MigrateAction string

const (
	// MigrateUp は未適用のマイグレーションをすべて適用する。
	MigrateUp MigrateAction = "up"
	// MigrateDown は直近のマイグレーションを1つ戻す。
	MigrateDown MigrateAction = "down"
	// MigrateVersion は適用済みのスキーマバージョンを出力する。
	MigrateVersion MigrateAction = "version"
)

// ParseMigrateAction は `migrate [up|down|version]` の操作を解析する。
// argsにはos.Args[1:]を渡す。操作の省略時はMigrateUp。
func ParseMigrateAction(args []string) (MigrateAction, error) {
	if len(args) < 2 {
		return MigrateUp, nil
	}
	switch a := MigrateAction(args[1]); a {
	case MigrateUp, MigrateDown, MigrateVersion:
		return a, nil
	default:
		return "", fmt.Errorf("unknown migrate action %q (want up, down or version)", args[1])
	}
}
