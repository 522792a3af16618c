// Command adaptive-core runs and inspects the adaptive improvement core.
package main

func main() {
	Execute()
}
