package enginetest

import "fmt"

// NodeProject returns the files of a minimal TypeScript package with lint,
// test, and build scripts and a bun lockfile.
func NodeProject(name, version string) map[string]string {
	return map[string]string{
		"package.json": fmt.Sprintf(`{
  "name": %q,
  "version": %q,
  "scripts": {
    "lint": "eslint .",
    "test": "vitest run",
    "build": "tsc -p ."
  },
  "devDependencies": {
    "typescript": "^5.6.0"
  }
}
`, name, version),
		"bun.lock":     "{\"lockfileVersion\": 1}\n",
		"src/index.ts": "export const answer = 42;\n",
		"tsconfig.json": `{"compilerOptions": {"outDir": "dist"}}` + "\n",
	}
}
