// Package cli реализует инструмент командной строки flowdeploy.
//
// # Обзор
//
// CLI — клиентская утилита для flowdeploy API. Работает через HTTP,
// не импортирует внутренние пакеты системы.
//
// # Ключевые компоненты
//
// ## Client
//
// HTTP-клиент для API. Инкапсулирует HTTP-запросы, парсинг ответов
// (DataResponse, ListResponse, ErrorResponse) и обработку ошибок.
//
//	client := cli.NewClient("http://localhost:8080")
//	res, err := client.Deploy(flowID)
//
// ## Output
//
// Форматирование вывода: таблицы (text/tabwriter) по умолчанию,
// JSON с флагом --json. Данные идут в stdout, сообщения в stderr:
//
//	flowdeploy flow list --json | jq .
//
// ## Commands
//
//   - flow: list, create, show, update, delete, start, stop, deploy, undeploy
//   - run: list
//   - log: list
//
// Группы создаются фабриками (NewFlowCmd и т.д.), принимающими clientFn
// и outputFn — замыкания, которые создают Client и Output после
// парсинга PersistentFlags.
package cli
