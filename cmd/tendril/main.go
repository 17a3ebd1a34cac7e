// Command tendril reads and writes tendril records in a bolt file or a
// DynamoDB table, described by a YAML config.
package main

func main() {
	Execute()
}
